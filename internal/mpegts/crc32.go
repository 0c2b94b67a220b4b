package mpegts

import "errors"

var (
	errCRCShort    = errors.New("section too short for CRC32")
	errCRCMismatch = errors.New("CRC32 mismatch")
)

// crc32Table is the MPEG-2 CRC32 table (polynomial 0x04C11DB7, no reflection).
var crc32Table = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a complete section whose last four bytes are its CRC.
func verifyCRC32(section []byte) error {
	if len(section) < 4 {
		return errCRCShort
	}
	if computeCRC32(section) != 0 {
		return errCRCMismatch
	}
	return nil
}
