package vmm

import (
	"testing"

	"nos/kernel/mm"
)

var testArchs = []PageTableOps{X86_64{}, AArch64{}, RiscvSv39{}}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = uint64(1 << 10)
		flag2 = uint64(1 << 21)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}
}

func TestLeafEncodingRoundTrip(t *testing.T) {
	flagSpecs := []PageFlags{
		0,
		FlagWritable,
		FlagUser,
		FlagNoExecute,
		FlagGlobal,
		FlagNoCache,
		FlagWriteThrough,
		FlagWritable | FlagUser | FlagNoExecute,
		FlagWritable | FlagGlobal | FlagNoExecute,
		FlagUser | FlagNoCache,
		FlagWritable | FlagUser | FlagGlobal | FlagWriteThrough,
	}

	for _, arch := range testArchs {
		t.Run(arch.Name(), func(t *testing.T) {
			leafLevel := arch.Levels() - 1
			for level := 0; level <= leafLevel; level++ {
				if level != leafLevel && !arch.HugeLevel(level) {
					continue
				}

				frame := mm.Frame(0x123) << (arch.LevelShift(level) - uint(mm.PageShift))
				for specIndex, flags := range flagSpecs {
					expFlags := flags | FlagPresent
					if level != leafLevel {
						expFlags |= FlagHuge
					}

					gotFrame, gotFlags, kind := arch.Decode(arch.EncodeLeaf(frame, flags, level), level)
					if kind != EntryLeaf {
						t.Errorf("[spec %d, level %d] expected a leaf entry; got kind %d", specIndex, level, kind)
					}
					if gotFrame != frame {
						t.Errorf("[spec %d, level %d] expected frame %x; got %x", specIndex, level, frame, gotFrame)
					}
					if gotFlags != expFlags {
						t.Errorf("[spec %d, level %d] expected flags %b; got %b", specIndex, level, expFlags, gotFlags)
					}
				}
			}
		})
	}
}

func TestTableEncodingRoundTrip(t *testing.T) {
	for _, arch := range testArchs {
		t.Run(arch.Name(), func(t *testing.T) {
			for level := 0; level < arch.Levels()-1; level++ {
				frame, _, kind := arch.Decode(arch.EncodeTable(mm.Frame(0xbeef)), level)
				if kind != EntryTable || frame != mm.Frame(0xbeef) {
					t.Errorf("[level %d] expected table entry for frame 0xbeef; got kind %d, frame %x", level, kind, frame)
				}
			}

			if _, _, kind := arch.Decode(0, 0); kind != EntryAbsent {
				t.Errorf("expected zero entry to decode as absent; got kind %d", kind)
			}
		})
	}
}

func TestArchEncodings(t *testing.T) {
	specs := []struct {
		arch  PageTableOps
		flags PageFlags
		level int
		exp   uint64
	}{
		// P | RW | A | D | NX
		{X86_64{}, FlagWritable | FlagNoExecute, 3, 0x12345000 | 1<<0 | 1<<1 | 1<<5 | 1<<6 | 1<<63},
		// P | US | A | PS | G
		{X86_64{}, FlagUser | FlagGlobal, 2, 0x40000000 | 1<<0 | 1<<2 | 1<<5 | 1<<7 | 1<<8},
		// valid | page | AttrIndx(0) | SH | AF | nG | UXN
		{AArch64{}, FlagWritable, 3, 0x12345000 | 1<<0 | 1<<1 | 3<<8 | 1<<10 | 1<<11 | 1<<54},
		// valid | block | AttrIndx(1) | AP[2] | SH | AF | PXN | UXN
		{AArch64{}, FlagNoCache | FlagGlobal | FlagNoExecute, 2, 0x40000000 | 1<<0 | 1<<2 | 1<<7 | 3<<8 | 1<<10 | 1<<53 | 1<<54},
		// V | R | W | X | A | D
		{RiscvSv39{}, FlagWritable, 2, 0x12345<<10 | 1<<0 | 1<<1 | 1<<2 | 1<<3 | 1<<6 | 1<<7},
		// V | R | U | A | Svpbmt IO
		{RiscvSv39{}, FlagUser | FlagNoExecute | FlagNoCache, 1, 0x40000<<10 | 1<<0 | 1<<1 | 1<<4 | 1<<6 | 2<<61},
	}

	for specIndex, spec := range specs {
		frame := mm.Frame(0x12345)
		if spec.level != spec.arch.Levels()-1 {
			frame = mm.Frame(0x40000)
		}

		if got := spec.arch.EncodeLeaf(frame, spec.flags, spec.level); got != spec.exp {
			t.Errorf("[spec %d] %s: expected entry 0x%x; got 0x%x", specIndex, spec.arch.Name(), spec.exp, got)
		}
	}
}

func TestArchAddressDecomposition(t *testing.T) {
	specs := []struct {
		arch      PageTableOps
		virt      mm.VirtAddr
		canonical bool
		indices   []int
	}{
		{X86_64{}, 0xffff800000201000, true, []int{256, 0, 1, 1}},
		{X86_64{}, 0x00007fffffffffff, true, []int{255, 511, 511, 511}},
		{X86_64{}, 0x0000800000000000, false, nil},
		{AArch64{}, 0xffffffffc0000000, true, []int{511, 511, 0, 0}},
		{AArch64{}, 0x0001000000000000, false, nil},
		{RiscvSv39{}, 0x0000003fffe00000, true, []int{255, 511, 0}},
		{RiscvSv39{}, 0xffffffc000000000, true, []int{256, 0, 0}},
		{RiscvSv39{}, 0x0000004000000000, false, nil},
	}

	for specIndex, spec := range specs {
		if got := spec.arch.CanonicalAddr(spec.virt); got != spec.canonical {
			t.Errorf("[spec %d] expected CanonicalAddr(0x%x) to return %t", specIndex, uintptr(spec.virt), spec.canonical)
			continue
		}

		for level, exp := range spec.indices {
			if got := spec.arch.Index(spec.virt, level); got != exp {
				t.Errorf("[spec %d] expected level %d index to be %d; got %d", specIndex, level, exp, got)
			}
		}
	}
}

func TestArchByName(t *testing.T) {
	specs := []struct {
		name string
		exp  string
	}{
		{"", DefaultArch().Name()},
		{"amd64", "x86_64"},
		{"x86_64", "x86_64"},
		{"arm64", "aarch64"},
		{"aarch64", "aarch64"},
		{"sv39", "riscv64"},
		{"riscv64", "riscv64"},
	}

	for specIndex, spec := range specs {
		arch, err := ArchByName(spec.name)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if got := arch.Name(); got != spec.exp {
			t.Errorf("[spec %d] expected arch %q; got %q", specIndex, spec.exp, got)
		}
	}

	if _, err := ArchByName("mips"); err != errUnknownArch {
		t.Fatalf("expected errUnknownArch; got %v", err)
	}
}
