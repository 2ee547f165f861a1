package persistence

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/ftl/blocks"
)

// ErrNoUsableBlock is returned if format was not able to erase and mark any block.
var ErrNoUsableBlock = errors.New("no block could be erased and marked as the head of the log")

// Format erases every block of the device and marks the first successfully erased block as the head of the log.
// Failing blocks are logged and skipped, returned error is non-nil only if no block could be marked.
func Format(s *Store, log *zap.Logger) (blocks.BlockIndex, error) {
	var (
		head       blocks.BlockIndex
		headMarked bool
		errs       error
	)

	for block := blocks.BlockIndex(0); int(block) < s.geometry.Blocks; block++ {
		if err := s.EraseBlock(block); err != nil {
			log.Warn("Erasing block failed", zap.Uint32("block", uint32(block)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if headMarked {
			continue
		}
		if err := s.MarkHead(block); err != nil {
			log.Warn("Marking head block failed", zap.Uint32("block", uint32(block)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		head = block
		headMarked = true
	}

	if !headMarked {
		return 0, errors.Wrap(multierr.Append(ErrNoUsableBlock, errs), "format failed")
	}

	log.Info("Device formatted",
		zap.Uint32("headBlock", uint32(head)),
		zap.Int("failedOperations", len(multierr.Errors(errs))))
	return head, nil
}
