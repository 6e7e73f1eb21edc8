package multiboot

import (
	"encoding/binary"
	"testing"
)

var testMemMap = []MemoryMapEntry{
	{0, 654336, MemAvailable},
	{654336, 1024, MemReserved},
	{983040, 65536, MemReserved},
	{1048576, 133038080, MemAvailable},
	{134086656, 131072, MemAcpiReclaimable},
	{4294705152, 262144, MemReserved},
}

func TestParseRoundTrip(t *testing.T) {
	data := Encode(testMemMap, "mm.maxorder=10 nohugepages", "GRUB 2.06")

	info, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := "GRUB 2.06", info.BootLoaderName(); got != exp {
		t.Errorf("expected bootloader name %q; got %q", exp, got)
	}

	var visitCount int
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		exp := testMemMap[visitCount]
		if *entry != exp {
			t.Errorf("[entry %d] expected %+v; got %+v", visitCount, exp, *entry)
		}
		visitCount++
		return true
	})

	if visitCount != len(testMemMap) {
		t.Fatalf("expected visitor to be invoked %d times; got %d", len(testMemMap), visitCount)
	}

	cmdLine := info.GetBootCmdLine()
	if cmdLine["mm.maxorder"] != "10" || cmdLine["nohugepages"] != "nohugepages" {
		t.Fatalf("unexpected command line kv: %v", cmdLine)
	}
}

func TestVisitMemRegionsAbort(t *testing.T) {
	info := NewInfo(testMemMap, "")

	var visitCount int
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Fatalf("expected visitor to be invoked once; got %d", visitCount)
	}
}

func TestParseMarksUnknownTypesReserved(t *testing.T) {
	data := Encode([]MemoryMapEntry{{0x100000, 0x1000, MemoryEntryType(0x42)}}, "", "")

	info, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	if got := info.MemoryMap()[0].Type; got != MemReserved {
		t.Fatalf("expected unknown type to be mapped to %s; got %s", MemReserved, got)
	}
}

func TestParseErrors(t *testing.T) {
	valid := Encode(testMemMap, "", "")

	badEntrySize := append([]byte(nil), valid...)
	// The memory map is the first tag; its entry size follows the tag header.
	binary.LittleEndian.PutUint32(badEntrySize[infoHeaderSize+tagHeaderSize:], 4)

	specs := []struct {
		descr string
		data  []byte
	}{
		{"empty", nil},
		{"total size beyond buffer", valid[:len(valid)-8]},
		{"missing end tag", func() []byte {
			b := append([]byte(nil), valid[:len(valid)-8]...)
			binary.LittleEndian.PutUint32(b, uint32(len(b)))
			return b
		}()},
		{"short memory map entries", badEntrySize},
	}

	for _, spec := range specs {
		if _, err := Parse(spec.data); err == nil {
			t.Errorf("[%s] expected Parse to fail", spec.descr)
		}
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
