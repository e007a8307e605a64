// Package nce implements the patch-wise InfoNCE loss. Each query patch is
// classified against every key patch of the same image, with the key at the
// same location as the positive.
package nce

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/blas32/tensors/2d"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const DefaultTemperature = 0.07

// Backward receives ∂L'/∂L and returns ∂L'/∂q and ∂L'/∂k per depth.
type Backward func(float32) ([]blas32.General, []blas32.General, error)

// Loss averages the per-depth InfoNCE of q against k. q[d] and k[d] hold
// batches*P rows, batch-major, where P is the patch count at depth d.
func Loss(q, k []blas32.General, batches int, temperature float32) (float32, Backward, error) {
	if len(q) == 0 {
		return 0, nil, fmt.Errorf("%w: no depths", tensor4d.ErrShapeMismatch)
	}
	if err := tensors2d.SameShapes(q, k); err != nil {
		return 0, nil, err
	}
	if batches <= 0 {
		return 0, nil, fmt.Errorf("%w: batches = %d", tensor4d.ErrShapeMismatch, batches)
	}
	if temperature <= 0 {
		return 0, nil, fmt.Errorf("temperature must be positive, got %v", temperature)
	}

	depths := len(q)
	// softmaxes[d][b] is the [P, P] row-softmax of the logits.
	softmaxes := make([][]blas32.General, depths)
	var total float32
	for d := range q {
		if q[d].Rows%batches != 0 || q[d].Rows == 0 {
			return 0, nil, fmt.Errorf("%w: depth %d: %d rows for %d batches",
				tensor4d.ErrShapeMismatch, d, q[d].Rows, batches)
		}
		patches := q[d].Rows / batches
		softmaxes[d] = make([]blas32.General, batches)

		var depthLoss float32
		for b := 0; b < batches; b++ {
			qb := tensor2d.Block(q[d], b*patches, patches)
			kb := tensor2d.Block(k[d], b*patches, patches)
			logits := tensor2d.NewZeros(patches, patches)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1.0/temperature, qb, kb, 0.0, logits)

			for i := 0; i < patches; i++ {
				row := logits.Data[i*logits.Stride : i*logits.Stride+patches]
				// オーバーフロー対策
				maxLogit := row[0]
				for _, e := range row[1:] {
					maxLogit = max(maxLogit, e)
				}
				var sum float32
				for j, e := range row {
					row[j] = math32.Exp(e - maxLogit)
					sum += row[j]
				}
				for j := range row {
					row[j] /= sum
				}
				// -log softmax_ii with the same shift
				depthLoss -= math32.Log(max(row[i], math32.SmallestNonzeroFloat32))
			}
			softmaxes[d][b] = logits
		}
		total += depthLoss / float32(batches*patches)
	}
	loss := total / float32(depths)

	var backward Backward
	backward = func(chain float32) ([]blas32.General, []blas32.General, error) {
		dq := tensors2d.NewZerosLike(q)
		dk := tensors2d.NewZerosLike(k)
		for d := range q {
			patches := q[d].Rows / batches
			scale := chain / float32(depths*batches*patches)
			for b := 0; b < batches; b++ {
				// ∂L/∂logits = (softmax - onehot) * scale
				dLogits := tensor2d.Clone(softmaxes[d][b])
				for i := 0; i < patches; i++ {
					dLogits.Data[i*dLogits.Stride+i] -= 1
				}
				tensor2d.Scal(scale/temperature, dLogits)

				qb := tensor2d.Block(q[d], b*patches, patches)
				kb := tensor2d.Block(k[d], b*patches, patches)
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, dLogits, kb, 0.0, tensor2d.Block(dq[d], b*patches, patches))
				blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, dLogits, qb, 0.0, tensor2d.Block(dk[d], b*patches, patches))
			}
		}
		return dq, dk, nil
	}
	return loss, backward, nil
}
