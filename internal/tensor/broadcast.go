package tensor

// readStrides returns, per axis of out, how far a flat index into in moves
// when that output coordinate advances by one. Size-1 and missing leading
// axes are read with step 0.
func readStrides(in, out Shape) []int {
	steps := make([]int, len(out))
	own := in.ComputeStrides()
	lead := len(out) - len(in)
	for ax := lead; ax < len(out); ax++ {
		if in[ax-lead] != 1 {
			steps[ax] = own[ax-lead]
		}
	}
	return steps
}

// BinaryMap applies fn element-wise over a and b with NumPy broadcasting.
func BinaryMap(a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	shape, broadcast, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(shape)

	if !broadcast {
		for i := range out.data {
			out.data[i] = fn(a.data[i], b.data[i])
		}
		return out, nil
	}

	// Walk the output in row-major order with an odometer over its
	// coordinates, moving both read offsets incrementally.
	as, bs := readStrides(a.shape, shape), readStrides(b.shape, shape)
	coord := make([]int, len(shape))
	ai, bi := 0, 0
	for i := range out.data {
		out.data[i] = fn(a.data[ai], b.data[bi])
		for ax := len(shape) - 1; ax >= 0; ax-- {
			coord[ax]++
			ai += as[ax]
			bi += bs[ax]
			if coord[ax] < shape[ax] {
				break
			}
			ai -= as[ax] * shape[ax]
			bi -= bs[ax] * shape[ax]
			coord[ax] = 0
		}
	}
	return out, nil
}
