// internal/arch/trampoline.go

package arch

import "bytes"

// TrampolineAddr is where application processors begin executing after a
// Start-Up IPI. It must be page aligned and below 1 MiB.
const TrampolineAddr = 0x8000

// TrampolineSize is the fixed size of the trampoline image.
const TrampolineSize = 64

var trampolineMagic = []byte("SMPT")

// TrampolineImage returns the real-mode entry stub copied to low memory
// before the secondary cores are started.
func TrampolineImage() []byte {
	img := make([]byte, TrampolineSize)
	copy(img, trampolineMagic)
	copy(img[len(trampolineMagic):], []byte{
		0xfa,             // cli
		0x0f, 0x01, 0x16, // lgdt
		0x0f, 0x20, 0xc0, // mov eax, cr0
		0x0c, 0x01,       // or al, 1
		0x0f, 0x22, 0xc0, // mov cr0, eax
		0xea,             // jmp far to the protected-mode entry
	})
	return img
}

// ValidTrampoline reports whether img starts with a trampoline image.
func ValidTrampoline(img []byte) bool {
	return bytes.HasPrefix(img, trampolineMagic)
}

// StartupVector encodes a page-aligned start address as a SIPI vector.
func StartupVector(addr uint64) uint8 { return uint8(addr >> 12) }

// VectorAddr decodes a SIPI vector back to its start address.
func VectorAddr(vector uint8) uint64 { return uint64(vector) << 12 }
