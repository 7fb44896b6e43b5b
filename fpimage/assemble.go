package fpimage

import "github.com/pkg/errors"

// AssembleFrame expands one raw sensor frame into 8-bit pixels.
//
// The input packs two vertically adjacent pixels per byte and is traversed
// column-major: for each column, the low nibble of a byte is the upper pixel
// and the high nibble the lower one. Nibbles are scaled by 17 to span the
// full 8-bit range. The output buffer is caller supplied and must hold
// width*height bytes; nothing else is allocated.
func AssembleFrame(input []byte, width, height int, output []byte) error {
	if height%2 != 0 {
		return errors.Errorf("frame height %d is not even", height)
	}
	if len(input) < width*height/2 {
		return errors.Errorf("frame input has %d bytes, need %d", len(input), width*height/2)
	}
	if len(output) < width*height {
		return errors.Errorf("frame output has %d bytes, need %d", len(output), width*height)
	}
	in := 0
	for column := 0; column < width; column++ {
		for row := 0; row < height; row += 2 {
			output[width*row+column] = (input[in] & 0x0f) * 17
			output[width*(row+1)+column] = (input[in] >> 4) * 17
			in++
		}
	}
	return nil
}
