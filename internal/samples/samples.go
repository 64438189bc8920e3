// Package samples reads and writes posterior sample pools as CSV, optionally
// compressed with gzip, zstd or lz4.
//
// A file holds one sample per row. The first row may be a header; when it is,
// a column named psi carries the objective value of each row and the other
// columns are the coordinates in order. Without a psi column the objective
// is evaluated for every row.
package samples

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	errs "github.com/copyleftdev/hybridml/internal/errors"
	"github.com/copyleftdev/hybridml/internal/lil"
)

// ErrNoObjective is returned when a file has no psi column and no objective
// was supplied to compute it.
var ErrNoObjective = errs.New("no psi column and no objective to compute it")

// Read parses a sample pool from r, detecting compression from its leading
// bytes. A nil obj is allowed when the file carries psi.
func Read(r io.Reader, obj lil.Objective) (*lil.Pool, error) {
	const op = "Read"

	br := bufio.NewReader(r)
	rc, err := decompressor(br, detect(br))
	if err != nil {
		return nil, errs.Wrap(err, "opening decompressor").WithOperation(op).WithComponent("samples")
	}
	defer rc.Close()

	cr := csv.NewReader(rc)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var (
		pool   = &lil.Pool{}
		psiCol = -1
		fields int
		first  = true
	)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(err, "parsing csv").WithOperation(op).WithComponent("samples")
		}
		line, _ := cr.FieldPos(0)

		if first {
			first = false
			fields = len(record)
			if isHeader(record) {
				for i, name := range record {
					if strings.EqualFold(strings.TrimSpace(name), "psi") {
						psiCol = i
					}
				}
				pool.Dim = fields
				if psiCol >= 0 {
					pool.Dim--
				}
				if psiCol < 0 && obj == nil {
					return nil, ErrNoObjective
				}
				if err := checkDim(obj, pool.Dim); err != nil {
					return nil, err
				}
				continue
			}
			pool.Dim = fields
			if obj == nil {
				return nil, ErrNoObjective
			}
			if err := checkDim(obj, pool.Dim); err != nil {
				return nil, err
			}
		}

		if len(record) != fields {
			return nil, errs.Wrapf(lil.ErrDimensionMismatch,
				"line %d has %d fields, want %d", line, len(record), fields).WithOperation(op).WithComponent("samples")
		}

		s := lil.Sample{U: make([]float64, 0, pool.Dim)}
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errs.Errorf("line %d field %d: %q is not a finite number", line, i+1, field).WithOperation(op).WithComponent("samples")
			}
			if i == psiCol {
				s.Psi = v
				continue
			}
			s.U = append(s.U, v)
		}
		if psiCol < 0 {
			s.Psi = obj.Psi(s.U)
		}
		pool.Samples = append(pool.Samples, s)
	}

	if len(pool.Samples) == 0 {
		return nil, errs.Wrap(lil.ErrShortPool, "file holds no samples").WithOperation(op).WithComponent("samples")
	}
	if err := pool.Validate(); err != nil {
		return nil, errs.Wrap(err, "validating pool").WithOperation(op).WithComponent("samples")
	}
	return pool, nil
}

func checkDim(obj lil.Objective, dim int) error {
	if obj == nil {
		return nil
	}
	if err := lil.CheckDim(obj, dim); err != nil {
		return errs.Wrap(err, "checking columns").WithOperation("Read").WithComponent("samples")
	}
	return nil
}

func isHeader(record []string) bool {
	for _, field := range record {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err != nil {
			return true
		}
	}
	return false
}

// Open reads the sample pool stored at path.
func Open(path string, obj lil.Objective) (*lil.Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, "opening sample file").WithOperation("Open").WithComponent("samples")
	}
	defer f.Close()
	return Read(f, obj)
}

// Write encodes pool as CSV with a u1..uD,psi header and compresses it with
// codec. Values are written with the shortest representation that round
// trips exactly.
func Write(w io.Writer, pool *lil.Pool, codec Codec) error {
	const op = "Write"

	if err := pool.Validate(); err != nil {
		return errs.Wrap(err, "validating pool").WithOperation(op).WithComponent("samples")
	}
	wc, err := compressor(w, codec)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(wc)
	row := make([]string, pool.Dim+1)
	for i := 0; i < pool.Dim; i++ {
		row[i] = "u" + strconv.Itoa(i+1)
	}
	row[pool.Dim] = "psi"
	if err := cw.Write(row); err != nil {
		return errs.Wrap(err, "writing header").WithOperation(op).WithComponent("samples")
	}
	for _, s := range pool.Samples {
		for i, v := range s.U {
			row[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		row[pool.Dim] = strconv.FormatFloat(s.Psi, 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return errs.Wrap(err, "writing row").WithOperation(op).WithComponent("samples")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errs.Wrap(err, "flushing csv").WithOperation(op).WithComponent("samples")
	}
	if err := wc.Close(); err != nil {
		return errs.Wrapf(err, "closing %s stream", codec).WithOperation(op).WithComponent("samples")
	}
	return nil
}

// Create writes pool to path using the codec implied by its extension.
func Create(path string, pool *lil.Pool) error {
	return CreateCodec(path, pool, CodecForPath(path))
}

// CreateCodec writes pool to path compressed with c, whatever the extension.
func CreateCodec(path string, pool *lil.Pool, c Codec) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(err, "creating sample file").WithOperation("Create").WithComponent("samples")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errs.Wrap(cerr, "closing sample file").WithOperation("Create").WithComponent("samples")
		}
	}()
	return Write(f, pool, c)
}

// Fingerprint hashes the dimension and the bit patterns of every coordinate
// and psi value of pool. Pools with identical contents share a fingerprint.
func Fingerprint(pool *lil.Pool) uint64 {
	h := xxhash.New()
	var buf [8]byte
	put := func(bits uint64) {
		binary.LittleEndian.PutUint64(buf[:], bits)
		_, _ = h.Write(buf[:])
	}
	put(uint64(pool.Dim))
	for _, s := range pool.Samples {
		for _, v := range s.U {
			put(math.Float64bits(v))
		}
		put(math.Float64bits(s.Psi))
	}
	return h.Sum64()
}
