package approval

// ExecContext is the shared context an approval event hands to the engine.
type ExecContext struct {
	// ActorID is the user on whose behalf the batch runs.
	ActorID string `json:"actor_id"`
	// Origin tags where the execution was triggered from.
	Origin string `json:"origin"`
}

// Metadata flattens the context for storage next to ledger records.
func (c ExecContext) Metadata() map[string]string {
	meta := make(map[string]string, 2)
	if c.ActorID != "" {
		meta["actor_id"] = c.ActorID
	}
	if c.Origin != "" {
		meta["origin"] = c.Origin
	}
	return meta
}
