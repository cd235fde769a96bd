package aps

// MaxBlocks is the largest number of blocks one ASDU can be split into.
const MaxBlocks = 255

// split cuts asdu into blocks of at most capacity octets. An empty ASDU is
// one empty block.
func split(asdu []byte, capacity int) [][]byte {
	if len(asdu) <= capacity {
		return [][]byte{asdu}
	}
	n := (len(asdu) + capacity - 1) / capacity
	blocks := make([][]byte, 0, n)
	for off := 0; off < len(asdu); off += capacity {
		end := off + capacity
		if end > len(asdu) {
			end = len(asdu)
		}
		blocks = append(blocks, asdu[off:end])
	}
	return blocks
}

// assemble concatenates blocks in order.
func assemble(blocks [][]byte) []byte {
	size := 0
	for _, b := range blocks {
		size += len(b)
	}
	out := make([]byte, 0, size)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}
