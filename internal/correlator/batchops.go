package correlator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/command"
)

// StartGroupValidation fans a group-validation request out as one
// sub-command per group ID and registers the batch that will aggregate
// the responses. Returns the batch ID.
func (c *Correlator) StartGroupValidation(ctx context.Context, botUserID int64, chatID *int64, groupIDs []int64) (string, error) {
	return c.startBatch(ctx, command.TypeValidateGroup, botUserID, chatID, groupIDs)
}

// StartGroupTitleLookup fans a title lookup out over the given groups.
// Returns the batch ID.
func (c *Correlator) StartGroupTitleLookup(ctx context.Context, botUserID int64, chatID *int64, groupIDs []int64) (string, error) {
	return c.startBatch(ctx, command.TypeGroupTitle, botUserID, chatID, groupIDs)
}

func (c *Correlator) startBatch(ctx context.Context, typ command.Type, botUserID int64, chatID *int64, groupIDs []int64) (string, error) {
	if len(groupIDs) == 0 {
		return "", fmt.Errorf("correlator: no group IDs to dispatch")
	}

	batchID := uuid.NewString()
	batchCtx := command.Context{
		UserID:  botUserID,
		Command: typ,
		ChatID:  chatID,
		Metadata: map[string]interface{}{
			command.MetaBatchID:    batchID,
			command.MetaBatchTotal: len(groupIDs),
		},
	}
	if err := c.batches.Begin(batchID, len(groupIDs), batchCtx); err != nil {
		return "", err
	}

	for _, groupID := range groupIDs {
		subCtx := &command.Context{
			UserID:  botUserID,
			Command: typ,
			ChatID:  chatID,
			Metadata: map[string]interface{}{
				command.MetaBatchID: batchID,
				command.MetaGroupID: groupID,
			},
		}
		_, err := c.dispatcher.Dispatch(ctx, typ, command.Payload{
			BotUserID: botUserID,
			GroupID:   groupID,
			Context:   subCtx,
		})
		if err != nil {
			// Sub-commands already published will still be answered. Count
			// the failed one so the batch still finalizes; validation
			// batches record it as not found, title batches just skip it.
			var record func(*Batch)
			if typ == command.TypeValidateGroup {
				record = func(b *Batch) { appendMeta(b, command.MetaNotFound, groupID) }
			}
			final, done := c.batches.Apply(batchID, record)
			if done {
				c.notifyBatch(ctx, final, batchSummary(typ, final))
			}
		}
	}
	return batchID, nil
}

// batchSummary formats the aggregate message for a batch of the given
// command type.
func batchSummary(typ command.Type, b *Batch) string {
	if typ == command.TypeValidateGroup {
		return validationSummary(b)
	}
	return titleSummary(b)
}
