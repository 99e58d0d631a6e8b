package process

// BaseColumns lists the shared columns in the order of Base.Values and
// Base.ScanTargets.
const BaseColumns = `id, role, state, state_count, state_timestamp, correlation_id, counter_party_id, counter_party_address, protocol, pending, error_detail, counter_party_requested, last_sent_message_id, created_at, updated_at`

// BaseColumnCount is the number of placeholders BaseColumns needs.
const BaseColumnCount = 15

// Values returns the column values matching BaseColumns.
func (b Base) Values() []any {
	return []any{
		b.ID,
		string(b.Role),
		b.State,
		b.StateCount,
		b.StateTimestamp,
		b.CorrelationID,
		b.CounterPartyID,
		b.CounterPartyAddress,
		b.Protocol,
		b.Pending,
		b.ErrorDetail,
		b.CounterPartyRequested,
		b.LastSentMessageID,
		b.CreatedAt,
		b.UpdatedAt,
	}
}

// ScanTargets returns pointers matching BaseColumns.
func (b *Base) ScanTargets() []any {
	return []any{
		&b.ID,
		&b.Role,
		&b.State,
		&b.StateCount,
		&b.StateTimestamp,
		&b.CorrelationID,
		&b.CounterPartyID,
		&b.CounterPartyAddress,
		&b.Protocol,
		&b.Pending,
		&b.ErrorDetail,
		&b.CounterPartyRequested,
		&b.LastSentMessageID,
		&b.CreatedAt,
		&b.UpdatedAt,
	}
}
