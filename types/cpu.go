package types

// A CPU is a Mach-O cpu type, as carried in a fat_arch entry and a thin
// file's own header; delocate uses it to pick the right slice out of a
// universal binary and to name architectures in its CLI output.
type CPU uint32

const (
	cpuArch64 = 0x01000000 // 64 bit ABI, ORed into the 32-bit base type below

	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
)

// CPUArm6432 (arm64_32, the watchOS ILP32-on-AArch64 ABI) never appears in
// a macOS wheel's binaries, but HasArchs/ExpandArchSet still need to be
// able to name it when a caller asks for an architecture delocate doesn't
// itself ship support for rewriting.
const CPUArm6432 CPU = CPUArm | 0x02000000

// CPUSubtype further qualifies CPU; delocate only ever needs to mask off
// its feature-capability bits when comparing two x86_64 or arm64 slices.
type CPUSubtype uint32

const (
	CPUSubtypeX86_64H CPUSubtype = 8 // Haswell and later
	CPUSubtypeArm64E  CPUSubtype = 2

	// CpuSubtypeMask isolates the subtype from the feature-capability bits
	// that can be packed into the high byte.
	CpuSubtypeMask             = CPUSubtype(0x00ffffff)
	CpuSubtypeArm64PtrAuthMask = CPUSubtype(0x0f000000)
)
