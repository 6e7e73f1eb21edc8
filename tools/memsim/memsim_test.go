package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"nos/kernel/mm"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestBootCmdLine(t *testing.T) {
	opts := &options{
		arch:          "riscv64",
		maxOrder:      10,
		slabBytes:     8192,
		maxEmptySlabs: 1,
		cpus:          2,
		magazine:      8,
		magazineBatch: 4,
		noHugePages:   true,
		cmdLine:       "foo=bar",
	}

	exp := "mm.maxorder=10 mm.slabbytes=8192 mm.maxemptyslabs=1 mm.cpus=2 mm.magazine=8 mm.magazinebatch=4 mm.arch=riscv64 nohugepages foo=bar"
	require.Equal(t, exp, opts.bootCmdLine())
}

func TestRun(t *testing.T) {
	specs := []struct {
		name string
		args []string
	}{
		{"default", []string{"run", "--memory", "16", "--ops", "2000"}},
		{"single cpu", []string{"run", "--memory", "16", "--ops", "1000", "--cpus", "1", "--seed", "7"}},
		{"small magazines", []string{"run", "--memory", "16", "--ops", "1000", "--magazine", "4", "--magazine-batch", "2", "--max-empty-slabs", "0"}},
		{"memory pressure", []string{"run", "--memory", "4", "--ops", "2000", "--max-size", "65536", "--max-live", "256"}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			out, err := execute(t, spec.args...)
			require.NoError(t, err, out)
			require.Contains(t, out, "workload:")
			require.Contains(t, out, "invariants: ok")
			require.Contains(t, out, "In use:             0 bytes")
		})
	}
}

func TestRunArgErrors(t *testing.T) {
	specs := [][]string{
		{"run", "--ops", "0"},
		{"run", "--max-live", "0"},
		{"run", "--memory", "1"},
		{"run", "--cpus", "0"},
		{"run", "--arch", "sparc"},
		{"run", "extra"},
	}

	for specIndex, args := range specs {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("[spec %d] expected an error for args %v", specIndex, args)
		}
	}
}

func TestFrag(t *testing.T) {
	out, err := execute(t, "frag", "--memory", "8")
	require.NoError(t, err, out)
	require.Contains(t, out, "fragmented:")
	require.Contains(t, out, "two-page allocation: "+mm.ErrTooFragmented.Message)
	require.Contains(t, out, "invariants: ok")

	_, err = execute(t, "frag", "--stride", "1")
	require.Error(t, err)
}

func TestMap(t *testing.T) {
	specs := []struct {
		args   []string
		expOut []string
	}{
		{
			args:   []string{"map", "--memory", "16", "--arch", "x86_64"},
			expOut: []string{"x86_64: mapped 512 pages", "huge mapping: true", "invariants: ok"},
		},
		{
			args:   []string{"map", "--memory", "16", "--arch", "x86_64", "--no-huge-pages"},
			expOut: []string{"huge mapping: false", "invariants: ok"},
		},
		{
			args:   []string{"map", "--memory", "16", "--arch", "aarch64", "--pages", "100"},
			expOut: []string{"aarch64: mapped 100 pages", "huge mapping: false", "invariants: ok"},
		},
		{
			args:   []string{"map", "--memory", "16", "--arch", "riscv64", "--pages", "1024"},
			expOut: []string{"huge mapping: true", "invariants: ok"},
		},
		{
			args:   []string{"map", "--memory", "16", "--pages", "1"},
			expOut: []string{"mapped 1 pages", "invariants: ok"},
		},
	}

	for specIndex, spec := range specs {
		out, err := execute(t, spec.args...)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v\n%s", specIndex, err, out)
			continue
		}
		for _, exp := range spec.expOut {
			if !bytes.Contains([]byte(out), []byte(exp)) {
				t.Errorf("[spec %d] expected output to contain %q; got:\n%s", specIndex, exp, out)
			}
		}
	}
}

func TestStats(t *testing.T) {
	out, err := execute(t, "stats", "--memory", "8")
	require.NoError(t, err)
	require.Contains(t, out, "Frames:")
	require.Contains(t, out, "Page tables:")

	out, err = execute(t, "stats", "--memory", "8", "--json")
	require.NoError(t, err)

	var stats mm.MemoryStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.NotZero(t, stats.TotalFrames)
	require.Equal(t, stats.TotalFrames, stats.FreeFrames+stats.AllocatedFrames)
	require.Equal(t, uint64(1), stats.PageTableFrames)
}

func TestVerboseLog(t *testing.T) {
	out, err := execute(t, "stats", "--memory", "8", "-v")
	require.NoError(t, err)
	require.Contains(t, out, "[kernel] Starting nos (bootloader: memsim)")
	require.Contains(t, out, "[kernel] [kmem]")
}
