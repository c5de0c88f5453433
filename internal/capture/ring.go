package capture

import "github.com/pkg/errors"

// ringSize derives TPACKET frame and block geometry for a ring of about
// sizeMB megabytes. Frames are TPACKET_ALIGNMENT aligned and blocks are a
// multiple of both the page size and the frame size.
func ringSize(sizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if sizeMB <= 0 {
		return 0, 0, 0, errors.Errorf("ring size must be positive, got %d", sizeMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, errors.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, errors.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = (tpacketHdrLen + snapLen + tpacketAlignment - 1) / tpacketAlignment * tpacketAlignment

	const maxBlockSize = 4 << 20
	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// Give up on an exact fit; whole frames per block, page aligned.
		blockSize = (maxBlockSize / frameSize) * frameSize
		blockSize = (blockSize + pageSize - 1) / pageSize * pageSize
	}

	numBlocks = sizeMB << 20 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
