package memd

import (
	"math"
	"time"
)

// EncodeSrvDura16 takes a standard time duration and encodes it into the
// appropriate format for the server's duration frame.
func EncodeSrvDura16(dura time.Duration) uint16 {
	serverDurationUs := float64(dura / time.Microsecond)
	encoded := math.Pow(serverDurationUs*2, 1.0/1.74)
	if encoded > 65535 {
		return 65535
	}
	return uint16(encoded)
}

// DecodeSrvDura16 takes an encoded operation duration from the server
// and converts it to a standard Go time duration.
func DecodeSrvDura16(enc uint16) time.Duration {
	return time.Duration(math.Round(math.Pow(float64(enc), 1.74)/2)) * time.Microsecond
}
