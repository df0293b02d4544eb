package parallel

import (
	"github.com/23skdu/longbow-quiver/internal/device"
)

// LocalBatchFunc chooses how many batch rows one iteration processes.
type LocalBatchFunc func(batchSize, seqLen, pipelineSize int) int

// maxTokensPerIteration bounds local_batch * seq_len in DefaultLocalBatch.
const maxTokensPerIteration = 1024

// DefaultLocalBatch splits the batch across pipeline stages when it divides
// evenly, then keeps halving while an iteration holds more than 1024 tokens
// and the result stays even. Without pipelining the whole batch runs at once.
func DefaultLocalBatch(batchSize, seqLen, pipelineSize int) int {
	local := batchSize
	if pipelineSize <= 1 {
		return local
	}
	if local%pipelineSize == 0 {
		local /= pipelineSize
	}
	for local*seqLen > maxTokensPerIteration && local%2 == 0 {
		local /= 2
	}
	return local
}

// Iterations returns batchSize / localBatch, or a precondition error when
// localBatch does not divide batchSize.
func Iterations(batchSize, localBatch int) (int, error) {
	if localBatch <= 0 {
		return 0, device.Preconditionf("invalid local batch size: %d (must be positive)", localBatch)
	}
	if batchSize%localBatch != 0 {
		return 0, device.Preconditionf("batch size %d not divisible by local batch size %d", batchSize, localBatch)
	}
	return batchSize / localBatch, nil
}
