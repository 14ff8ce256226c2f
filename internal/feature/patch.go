package feature

// PlanSpecPatch is a partial update merged into a feature's plan spec.
// Nil fields are left unchanged.
type PlanSpecPatch struct {
	Status         *PlanStatus
	Content        *string
	ReviewedByUser *bool
	Tasks          []ParsedTask
	CurrentTaskID  *string
}

// Apply merges the patch into spec, returning whether the content changed
// (the signal for a version increment).
func (p PlanSpecPatch) Apply(spec *PlanSpec) bool {
	contentChanged := false
	if p.Status != nil {
		spec.Status = *p.Status
	}
	if p.Content != nil && *p.Content != spec.Content {
		spec.Content = *p.Content
		contentChanged = true
	}
	if p.ReviewedByUser != nil {
		spec.ReviewedByUser = *p.ReviewedByUser
	}
	if p.Tasks != nil {
		spec.Tasks = p.Tasks
	}
	if p.CurrentTaskID != nil {
		spec.CurrentTaskID = *p.CurrentTaskID
	}
	return contentChanged
}

// PlanStatusPtr is a convenience for building patches.
func PlanStatusPtr(s PlanStatus) *PlanStatus { return &s }

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// BoolPtr is a convenience for building patches.
func BoolPtr(b bool) *bool { return &b }
