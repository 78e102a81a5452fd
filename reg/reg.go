// Package reg provides typed access to hardware registers.
//
// A File is a window of memory-mapped registers addressed by byte offset.
// Reg32, Arr32 and Arr64 name scalar and banked array registers within a
// File, so drivers never compute offsets by hand. SysFile is the same idea
// for per-core system registers.
package reg

import "fmt"

// File is a window of memory-mapped registers.
// Offsets are relative to the start of the window and must be naturally
// aligned for the access width.
type File interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
	Read64(off uint64) uint64
	Write64(off uint64, v uint64)
}

// Reg32 is a 32-bit register at a fixed offset.
type Reg32 uint64

func (r Reg32) Read(f File) uint32 { return f.Read32(uint64(r)) }
func (r Reg32) Write(f File, v uint32) { f.Write32(uint64(r), v) }

// Arr32 is an array of 32-bit registers starting at a fixed offset.
type Arr32 uint64

func (a Arr32) Offset(i uint) uint64 { return uint64(a) + 4*uint64(i) }
func (a Arr32) Read(f File, i uint) uint32 { return f.Read32(a.Offset(i)) }
func (a Arr32) Write(f File, i uint, v uint32) { f.Write32(a.Offset(i), v) }

// Arr64 is an array of 64-bit registers starting at a fixed offset.
type Arr64 uint64

func (a Arr64) Offset(i uint) uint64 { return uint64(a) + 8*uint64(i) }
func (a Arr64) Read(f File, i uint) uint64 { return f.Read64(a.Offset(i)) }
func (a Arr64) Write(f File, i uint, v uint64) { f.Write64(a.Offset(i), v) }

// SysReg identifies an AArch64 system register by its MRS/MSR encoding.
type SysReg uint32

// Sys returns the SysReg encoded as S<op0>_<op1>_C<crn>_C<crm>_<op2>.
func Sys(op0, op1, crn, crm, op2 uint8) SysReg {
	return SysReg(uint32(op0&0x3)<<14 | uint32(op1&0x7)<<11 | uint32(crn&0xf)<<7 | uint32(crm&0xf)<<3 | uint32(op2&0x7))
}

func (r SysReg) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", r>>14&0x3, r>>11&0x7, r>>7&0xf, r>>3&0xf, r&0x7)
}

// SysFile is the set of system registers of the executing core.
type SysFile interface {
	ReadSys(r SysReg) uint64
	WriteSys(r SysReg, v uint64)
}
