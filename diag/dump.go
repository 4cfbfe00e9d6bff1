package diag

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/memory"
	"github.com/wippyai/hle-runtime/runtime"
)

// Version is the dump format version written by Write.
const Version = 1

// codeWindow is how many bytes around the stopped PC a dump keeps.
const codeWindow = 32

// Dump is the crash dump of one run.
type Dump struct {
	Version   int         `cbor:"1,keyasint"`
	RunID     string      `cbor:"2,keyasint"`
	Time      time.Time   `cbor:"3,keyasint"`
	Image     string      `cbor:"4,keyasint,omitempty"`
	Outcome   Outcome     `cbor:"5,keyasint"`
	Registers Registers   `cbor:"6,keyasint"`
	Regions   []Region    `cbor:"7,keyasint,omitempty"`
	Heap      Heap        `cbor:"8,keyasint"`
	Trace     []Call      `cbor:"9,keyasint,omitempty"`
	Threads   []Thread    `cbor:"10,keyasint,omitempty"`
	Code      CodeSnippet `cbor:"11,keyasint"`
}

// Outcome is the run result without live references.
type Outcome struct {
	Kind           string `cbor:"1,keyasint"`
	Classification string `cbor:"2,keyasint"`
	Symbol         string `cbor:"3,keyasint,omitempty"`
	Err            string `cbor:"4,keyasint,omitempty"`
	Code           int32  `cbor:"5,keyasint"`
	Addr           uint32 `cbor:"6,keyasint"`
	PC             uint32 `cbor:"7,keyasint"`
	ExitCode       int    `cbor:"8,keyasint"`
	Dispatches     uint64 `cbor:"9,keyasint"`
}

// Registers is a saved Execution Context.
type Registers struct {
	R    [cpu.NumRegs]uint32 `cbor:"1,keyasint"`
	CPSR uint32              `cbor:"2,keyasint"`
	TLS  uint32              `cbor:"3,keyasint"`
}

// Region is one entry of the memory map.
type Region struct {
	Name  string `cbor:"1,keyasint"`
	Base  uint32 `cbor:"2,keyasint"`
	Size  uint32 `cbor:"3,keyasint"`
	Perm  string `cbor:"4,keyasint"`
	Owner string `cbor:"5,keyasint"`
}

type Heap struct {
	Size        uint32 `cbor:"1,keyasint"`
	Ceiling     uint32 `cbor:"2,keyasint"`
	Used        uint32 `cbor:"3,keyasint"`
	Allocations int    `cbor:"4,keyasint"`
	FreeBlocks  int    `cbor:"5,keyasint"`
}

// Call is one dispatch trace record.
type Call struct {
	Seq    uint64    `cbor:"1,keyasint"`
	Symbol string    `cbor:"2,keyasint"`
	Args   [4]uint32 `cbor:"3,keyasint"`
	Addr   uint32    `cbor:"4,keyasint"`
	Return uint32    `cbor:"5,keyasint"`
	Result uint32    `cbor:"6,keyasint"`
	Thread uint32    `cbor:"7,keyasint"`
	Depth  int       `cbor:"8,keyasint"`
	Err    string    `cbor:"9,keyasint,omitempty"`
}

type Thread struct {
	Handle    uint32    `cbor:"1,keyasint"`
	State     string    `cbor:"2,keyasint"`
	Current   bool      `cbor:"3,keyasint"`
	Registers Registers `cbor:"4,keyasint"`
}

// CodeSnippet holds the bytes around the stopped PC. Bytes is empty when
// the PC is not in mapped memory.
type CodeSnippet struct {
	Addr  uint32 `cbor:"1,keyasint"`
	Bytes []byte `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("diag: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("diag: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

func registers(c cpu.Context) Registers {
	return Registers{R: c.Regs, CPSR: c.CPSR, TLS: c.TLS}
}

// Context converts the registers back to an Execution Context.
func (r Registers) Context() cpu.Context {
	return cpu.Context{Regs: r.R, CPSR: r.CPSR, TLS: r.TLS}
}

// Capture builds a dump of env after a run ended with res.
func Capture(env *runtime.Environment, res runtime.Result) *Dump {
	d := &Dump{
		Version: Version,
		RunID:   env.ID().String(),
		Time:    time.Now().UTC(),
		Outcome: Outcome{
			Kind:           res.Kind.String(),
			Classification: res.Classification,
			Symbol:         res.Symbol,
			Code:           res.Code,
			Addr:           res.Addr,
			PC:             res.PC,
			ExitCode:       res.ExitCode(),
			Dispatches:     res.Dispatches,
		},
		Registers: registers(res.Context),
	}
	if res.Err != nil {
		d.Outcome.Err = res.Err.Error()
	}
	if img := env.Image(); img != nil {
		d.Image = img.Path
	}

	mem := env.Memory()
	for _, r := range mem.Regions() {
		d.Regions = append(d.Regions, Region{
			Name:  r.Name,
			Base:  r.Base,
			Size:  r.Size,
			Perm:  r.Perm.String(),
			Owner: r.Owner.String(),
		})
	}
	hs := mem.HeapStats()
	d.Heap = Heap{
		Size:        hs.Size,
		Ceiling:     hs.Ceiling,
		Used:        hs.Used,
		Allocations: hs.Allocations,
		FreeBlocks:  hs.FreeBlocks,
	}
	d.Code = snippet(mem, res.PC)

	for _, rec := range env.Trace().Records() {
		d.Trace = append(d.Trace, Call{
			Seq:    rec.Seq,
			Symbol: rec.Symbol,
			Args:   rec.Args,
			Addr:   rec.Addr,
			Return: rec.Return,
			Result: rec.Result,
			Thread: rec.Thread,
			Depth:  rec.Depth,
			Err:    rec.Err,
		})
	}
	for _, t := range res.Threads {
		d.Threads = append(d.Threads, Thread{
			Handle:    t.Handle,
			State:     t.State.String(),
			Current:   t.Current,
			Registers: registers(t.Context),
		})
	}
	return d
}

func snippet(mem *memory.Memory, pc uint32) CodeSnippet {
	at := pc &^ 3
	// Fall back to smaller windows when the PC sits near a region edge.
	for _, w := range [][2]uint32{{codeWindow / 2, codeWindow}, {0, codeWindow / 2}, {0, 4}} {
		if at < w[0] {
			continue
		}
		if b, err := mem.Peek(at-w[0], w[1]); err == nil {
			return CodeSnippet{Addr: at - w[0], Bytes: b}
		}
	}
	return CodeSnippet{Addr: at}
}

// Write encodes d to w.
func Write(w io.Writer, d *Dump) error {
	data, err := encMode.Marshal(d)
	if err != nil {
		return errors.Wrap(errors.PhaseDiag, errors.KindInvalidData, err, "encode dump")
	}
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.ChecksumOption(true), lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return errors.Wrap(errors.PhaseDiag, errors.KindInvalidInput, err, "configure compressor")
	}
	if _, err := zw.Write(data); err != nil {
		return errors.Wrap(errors.PhaseDiag, errors.KindFault, err, "write dump")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(errors.PhaseDiag, errors.KindFault, err, "write dump")
	}
	Logger().Debug("dump written",
		zap.String("run", d.RunID),
		zap.Int("encoded", len(data)),
		zap.Int("trace", len(d.Trace)))
	return nil
}

// Read decodes a dump written by Write.
func Read(r io.Reader) (*Dump, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(lz4.NewReader(r)); err != nil {
		return nil, errors.Wrap(errors.PhaseDiag, errors.KindInvalidData, err, "decompress dump")
	}
	var d Dump
	if err := decMode.Unmarshal(buf.Bytes(), &d); err != nil {
		return nil, errors.Wrap(errors.PhaseDiag, errors.KindInvalidData, err, "decode dump")
	}
	if d.Version != Version {
		return nil, errors.New(errors.PhaseDiag, errors.KindUnsupported).
			Value(d.Version).
			Detail("dump version %d, want %d", d.Version, Version).
			Build()
	}
	return &d, nil
}
