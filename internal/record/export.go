package record

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/source"
)

// Exporter writes a source's labelled batch to the data directory.
type Exporter struct {
	Dir string
}

// NewExporter creates an Exporter rooted at dir.
func NewExporter(dir string) *Exporter {
	return &Exporter{Dir: dir}
}

// Export writes the JSONL record stream and the drug-prep CSV for src.
func (e *Exporter) Export(src *source.Descriptor, batch []Record) error {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "record: create %s", e.Dir)
	}

	recordsPath := filepath.Join(e.Dir, src.RecordsFilename())
	if err := writeFile(recordsPath, func(w io.Writer) error { return WriteJSONL(w, batch) }); err != nil {
		return eris.Wrapf(err, "record: export %s", src.Name)
	}

	prepPath := filepath.Join(e.Dir, src.DrugPrepFilename())
	if err := writeFile(prepPath, func(w io.Writer) error { return WriteDrugPrep(w, batch, src.DrugColumns) }); err != nil {
		return eris.Wrapf(err, "record: export drug prep %s", src.Name)
	}

	zap.L().Info("exported records",
		zap.String("source", src.Name),
		zap.Int("records", len(batch)),
		zap.String("path", recordsPath),
	)
	return nil
}

// writeFile writes through a temp file so a failed export never leaves a
// truncated artifact behind.
func writeFile(path string, fn func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "create %s", tmp)
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrapf(err, "flush %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrapf(err, "close %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "rename %s", tmp)
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, batch []Record) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "encode record")
		}
	}
	return nil
}

// WriteDrugPrep writes CaseIdentifier followed by the drug columns, in
// the order the descriptor lists them.
func WriteDrugPrep(w io.Writer, batch []Record, columns []string) error {
	cw := csv.NewWriter(w)
	header := append([]string{IDField}, columns...)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "write csv header")
	}
	row := make([]string, len(header))
	for _, r := range batch {
		for i, col := range header {
			row[i] = Text(r[col])
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "flush csv")
}

// ReadJSONL streams records from a JSONL file, calling fn for each one.
// Numbers are kept as json.Number.
func ReadJSONL(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "record: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()
	for line := 1; ; line++ {
		var r Record
		err := dec.Decode(&r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "record: decode %s record %d", path, line)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}
