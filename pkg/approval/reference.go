package approval

// Reference identifies whatever an action created.
type Reference struct {
	EntityType string            `json:"entity_type" dynamodbav:"entity_type"`
	EntityID   string            `json:"entity_id" dynamodbav:"entity_id"`
	Links      map[string]string `json:"links,omitempty" dynamodbav:"links,omitempty"`
}

// IsZero reports whether the reference is empty.
func (r Reference) IsZero() bool {
	return r.EntityType == "" && r.EntityID == "" && len(r.Links) == 0
}
