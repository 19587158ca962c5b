// Package arch holds the opaque per-thread register snapshot and the
// userspace segment selector conventions the scheduler installs on a
// context switch. It intentionally knows nothing about how the snapshot
// gets copied in and out of a real interrupt frame -- that trampoline is
// one of the out-of-scope collaborators -- it only defines the contract.
package arch

// Userspace selector and flag conventions a fresh image (or a thread
// resuming in user mode) is started with.
const (
	UserCS        = 40 | 3
	UserSS        = 32 | 3
	UserDS        = 32 | 3
	UserES        = 32 | 3
	DefaultRFLAGS = 0x200 // IF set, everything else clear
)

// Registers is the full general-purpose register set plus the flags and
// segment selectors the scheduler cares about. It is deliberately a flat
// value type: copying a Registers copies the whole snapshot, mirroring the
// original's copy_registers/registers_copy pair.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RSP, RFLAGS uint64

	CS, SS, DS, ES uint16
}

// Zero clears every field, the snapshot a fresh image or an exec target
// starts from before the userspace entry convention is applied.
func (r *Registers) Zero() {
	*r = Registers{}
}

// ApplyEntryConvention sets the registers a freshly loaded image enters
// with: rdi/rsi/rdx carry argc/argv/environ, rflags enables interrupts, and
// CS/SS/DS/ES select the user-mode descriptors. GP registers not named by
// the convention are left zeroed by a prior call to Zero.
func (r *Registers) ApplyEntryConvention(argc, argv, environ uint64) {
	r.RDI = argc
	r.RSI = argv
	r.RDX = environ
	r.RFLAGS = DefaultRFLAGS
	r.CS = UserCS
	r.SS = UserSS
	r.DS = UserDS
	r.ES = UserES
}

// CopyFrom overwrites r with src's contents -- copy_registers(src -> r).
func (r *Registers) CopyFrom(src *Registers) {
	*r = *src
}

// IsUsermodeCS reports whether the snapshot's code segment selector is the
// usermode selector, the check context_switch uses to decide whether a
// same-thread reschedule can return early without touching the trap frame.
func (r *Registers) IsUsermodeCS() bool {
	return r.CS == UserCS
}

// TrapFrame is the hardware trap frame the scheduler reads from and writes
// into on a context switch. A nil *TrapFrame models "no trap frame
// available" -- the initial start of a CPU, handled by a direct call into
// the usermode trampoline instead of a register load.
type TrapFrame struct {
	Regs Registers
}
