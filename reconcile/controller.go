package reconcile

import "time"

// Status is the editing state of a session.
type Status string

const (
	StatusClean  Status = "clean"
	StatusDirty  Status = "dirty"
	StatusSaving Status = "saving"
)

// Controller holds the baseline and working state of one editing session.
// It is not safe for concurrent use; callers serialise access per session.
type Controller struct {
	specs    []FieldSpec
	keys     map[string]struct{}
	loc      *time.Location
	baseline State
	working  State
}

// NewController creates a controller for the given field specs. Dates are
// edited in loc, or UTC when loc is nil.
func NewController(specs []FieldSpec, loc *time.Location) *Controller {
	keys := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		keys[s.Key] = struct{}{}
	}
	c := &Controller{specs: specs, keys: keys, loc: location(loc)}
	c.Initialize(nil)
	return c
}

// Initialize loads entity as both baseline and working state.
func (c *Controller) Initialize(entity map[string]any) {
	c.baseline, c.working = Initialize(entity, c.specs, c.loc)
}

// Restore installs previously persisted states. It returns false, leaving
// the controller untouched, when they do not match the field specs.
func (c *Controller) Restore(baseline, working State) bool {
	if !baseline.Conforms(c.specs) || !working.Conforms(c.specs) {
		return false
	}
	c.baseline, c.working = baseline.Clone(), working.Clone()
	return true
}

// Declares reports whether key is an editable field.
func (c *Controller) Declares(key string) bool {
	_, ok := c.keys[key]
	return ok
}

// UpdateField applies one edit and reports whether key is declared.
func (c *Controller) UpdateField(key string, raw any) bool {
	if !c.Declares(key) {
		return false
	}
	c.working = UpdateField(c.working, key, raw, c.loc)
	return true
}

// HasChanges reports whether the working state differs from the baseline.
func (c *Controller) HasChanges() bool {
	return HasChanges(c.baseline, c.working)
}

// Changed returns the dirty field keys.
func (c *Controller) Changed() []string {
	return Changed(c.baseline, c.working)
}

// BuildPatch returns the minimal patch for the current edits.
func (c *Controller) BuildPatch() Patch {
	return BuildPatch(c.baseline, c.working, c.specs)
}

// Unsendable returns the dirty keys a save cannot send.
func (c *Controller) Unsendable() []string {
	return Unsendable(c.baseline, c.working, c.specs)
}

// Commit replaces both states with the server's representation.
func (c *Controller) Commit(entity map[string]any) {
	c.baseline, c.working = Commit(entity, c.specs, c.loc)
}

// Rebase adopts entity as the new baseline while keeping edits made since
// previous was the working state.
func (c *Controller) Rebase(entity map[string]any, previous State) {
	fresh, _ := Initialize(entity, c.specs, c.loc)
	c.working = Rebase(fresh, previous, c.working)
	c.baseline = fresh
}

// Reset discards all edits.
func (c *Controller) Reset() {
	c.working = c.baseline.Clone()
}

// Baseline returns a copy of the baseline state.
func (c *Controller) Baseline() State { return c.baseline.Clone() }

// Working returns a copy of the working state.
func (c *Controller) Working() State { return c.working.Clone() }

// Specs returns the field specs the controller was built with.
func (c *Controller) Specs() []FieldSpec { return c.specs }

// Status reports the session state. saving is owned by the caller, which
// performs the network request.
func (c *Controller) Status(saving bool) Status {
	switch {
	case saving:
		return StatusSaving
	case c.HasChanges():
		return StatusDirty
	default:
		return StatusClean
	}
}
