package router

import (
	"sort"
	"strings"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/payload"
)

var (
	ErrMissingRole    = errors.New("instruction is missing a required account")
	ErrMalformed      = payload.ErrMalformed
	ErrUnregisteredIx = errors.New("registered instruction is not part of the program")
)

// signerRoles is the fallback chain used to find the acting signer.
var signerRoles = []string{"payer", "authority", "user"}

// Context is what a processor sees of one instruction.
type Context struct {
	analysis.Instruction

	Target string
	Signer string
}

// Participant is the user the instruction acts for. Instructions paid for by
// a separate payer still name the user explicitly.
func (c Context) Participant() string {
	if user := c.Addresses["user"]; user != "" {
		return user
	}
	return c.Signer
}

// Processor parses one instruction and returns the change it makes to the
// target entity. Route applies changes only after every processor of the
// instruction parsed, so a malformed instruction leaves no trace.
type Processor func(c Context) (Change, error)

// Change folds a parsed instruction into the entity. It fails only when the
// entity cannot take it, before touching anything.
type Change func(e *analysis.Entity) error

type Outcome int

const (
	Processed Outcome = iota
	Ignored
)

// Router dispatches instructions of one program to the processors registered
// under the instruction name.
type Router struct {
	kind       analysis.Kind
	targetRole string
	processors map[string][]Processor
}

func newRouter(kind analysis.Kind, targetRole string) *Router {
	return &Router{
		kind:       kind,
		targetRole: targetRole,
		processors: make(map[string][]Processor),
	}
}

// New returns the router of the given program kind.
func New(kind analysis.Kind) (*Router, error) {
	switch kind {
	case analysis.KindRun:
		return NewCoordinator(), nil
	case analysis.KindPool:
		return NewMiningPool(), nil
	}

	return nil, errors.Errorf("no router for program kind %q", kind)
}

// Register appends processors to an instruction. Registering a name with no
// processors marks it as known.
func (r *Router) Register(name string, processors ...Processor) {
	r.processors[name] = append(r.processors[name], processors...)
}

func (r *Router) Kind() analysis.Kind {
	return r.kind
}

// Names lists the registered instruction names.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Validate checks the registry against the instruction names the program
// actually has.
func (r *Router) Validate(programInstructions []string) error {
	known := make(map[string]bool, len(programInstructions))
	for _, name := range programInstructions {
		known[name] = true
	}

	var missing []string
	for _, name := range r.Names() {
		if !known[name] {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return errors.Wrapf(ErrUnregisteredIx, "%s router: %s", r.kind, strings.Join(missing, ", "))
	}

	return nil
}

// Route folds ix into the entity named by its target account. After the
// processors ran, the entity's latest known change ordinal is raised to the
// instruction's ordinal, also when no processor is registered for it.
func (r *Router) Route(store *analysis.Store, ix analysis.Instruction) (Outcome, error) {
	target := ix.Addresses[r.targetRole]
	if target == "" {
		return Ignored, errors.Wrapf(ErrMissingRole, "%s %s: no %s account", ix.Name, ix.Signature, r.targetRole)
	}

	signer := ""
	for _, role := range signerRoles {
		if signer = ix.Addresses[role]; signer != "" {
			break
		}
	}
	if signer == "" {
		return Ignored, errors.Wrapf(ErrMissingRole, "%s %s: no signer account", ix.Name, ix.Signature)
	}

	processors, known := r.processors[ix.Name]
	if !known {
		logger.Debugf("no processor for %s instruction %s, only tracking the change", r.kind, ix.Name)
	}

	c := Context{Instruction: ix, Target: target, Signer: signer}

	changes := make([]Change, 0, len(processors))
	for _, p := range processors {
		change, err := p(c)
		if err != nil {
			return Ignored, errors.Wrapf(err, "%s %s", ix.Name, ix.Signature)
		}
		changes = append(changes, change)
	}

	err := store.Update(func(tx analysis.Tx) error {
		e, exists := tx.Lookup(target)
		if !exists {
			e = analysis.NewEntity(target, r.kind)
		}

		for _, change := range changes {
			if err := change(e); err != nil {
				return errors.Wrapf(err, "%s %s", ix.Name, ix.Signature)
			}
		}

		e.RaiseKnownOrdinal(ix.Ordinal)
		if !exists {
			tx.Insert(e)
		}

		return nil
	})
	if err != nil {
		return Ignored, err
	}

	if !known {
		return Ignored, nil
	}

	return Processed, nil
}
