package assembler

// This file implements spec.md §4.6.2's reshuffle step: converting a GPU
// correlation kernel's packed native-order upper-triangle output into the
// canonical product order, applying product_remap.
//
// lib/gpu_post_process.c calls three functions by name —
// reorganize_32_to_16_element_GPU_correlated_data_with_shuffle,
// full_16_element_matrix_to_upper_triangle, and
// reorganize_GPU_to_upper_triangle_remap — whose bodies were not present in
// original_source/ (only the call sites were kept; see original_source/_INDEX.md).
// The exact bit-level packing those functions performed is GPU-kernel
// specific and undocumented here, so this file reimplements the
// *documented* contract of spec.md §4.6.2 (a native-order upper triangle,
// permuted through product_remap into canonical order, with the 16-element
// case using a single block and the general case using block_size-parameterized
// blocks) rather than attempting to byte-for-bit match an undisclosed kernel.

// upperTriIndex returns the packed upper-triangle offset for antenna pair
// (i, j) with i <= j, among n elements. Row i contributes (n-i) entries.
func upperTriIndex(i, j, n int) int {
	return i*n - i*(i-1)/2 + (j - i)
}

// canonicalPair maps a native-order antenna pair through product_remap,
// returning the pair and index in canonical upper-triangle order. Because
// remapping can swap which index is smaller, a swap also conjugates the
// visibility (complex conjugate transpose of a Hermitian matrix).
func canonicalPair(iNative, jNative int, productRemap []int, n int) (idx int, conjugate bool) {
	ic, jc := productRemap[iNative], productRemap[jNative]
	if ic <= jc {
		return upperTriIndex(ic, jc, n), false
	}
	return upperTriIndex(jc, ic, n), true
}

// Reshuffle16 implements the num_elements <= 16 path of spec.md §4.6.2: a
// single square block covering all antennas, reorganized with product
// remap and extracted to the upper triangle. gpuBlock holds numLocalFreq
// native-order upper-triangle visibilities (real,imag pairs of int32),
// numElements*(numElements+1)/2 per frequency.
func Reshuffle16(numLocalFreq, numElements int, gpuBlock []int32, productRemap []int) []ComplexInt {
	numVis := numElements * (numElements + 1) / 2
	out := make([]ComplexInt, numLocalFreq*numVis)

	pos := 0
	for f := 0; f < numLocalFreq; f++ {
		base := f * numVis * 2
		for i := 0; i < numElements; i++ {
			for j := i; j < numElements; j++ {
				re := gpuBlock[base+pos*2]
				im := gpuBlock[base+pos*2+1]
				pos++

				idx, conj := canonicalPair(i, j, productRemap, numElements)
				v := ComplexInt{Real: re, Imag: im}
				if conj {
					v.Imag = -v.Imag
				}
				out[f*numVis+idx] = v
			}
		}
		pos = 0
	}
	return out
}

// ReshuffleBlocked implements the num_elements > 16 path of spec.md
// §4.6.2: the GPU computes correlations as a block-upper-triangle of
// blockSize x blockSize blocks (numBlocks = (numElements/blockSize) *
// (numElements/blockSize+1)/2), each block a full square (including the
// redundant lower-triangle half of on-diagonal blocks, which is discarded
// here). gpuBlock is laid out frequency-major, then block-major (blocks in
// increasing (blockRow, blockCol>=blockRow) order), then row-major within
// the block, real/imag pairs of int32.
func ReshuffleBlocked(blockSize, numBlocks, numLocalFreq, numElements int, gpuBlock []int32, productRemap []int) []ComplexInt {
	numVis := numElements * (numElements + 1) / 2
	out := make([]ComplexInt, numLocalFreq*numVis)
	blocksPerDim := numElements / blockSize

	for f := 0; f < numLocalFreq; f++ {
		freqBase := f * numBlocks * blockSize * blockSize * 2

		blockIdx := 0
		for br := 0; br < blocksPerDim; br++ {
			for bc := br; bc < blocksPerDim; bc++ {
				blockBase := freqBase + blockIdx*blockSize*blockSize*2
				for lr := 0; lr < blockSize; lr++ {
					for lc := 0; lc < blockSize; lc++ {
						globalRow := br*blockSize + lr
						globalCol := bc*blockSize + lc
						if globalRow > globalCol {
							continue // redundant half of an on-diagonal block
						}
						cell := (lr*blockSize + lc) * 2
						re := gpuBlock[blockBase+cell]
						im := gpuBlock[blockBase+cell+1]

						idx, conj := canonicalPair(globalRow, globalCol, productRemap, numElements)
						v := ComplexInt{Real: re, Imag: im}
						if conj {
							v.Imag = -v.Imag
						}
						out[f*numVis+idx] = v
					}
				}
				blockIdx++
			}
		}
	}
	return out
}
