package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/John-Robertt/nodemerge/internal/model"
	"github.com/John-Robertt/nodemerge/internal/render"
)

type OutputError struct {
	AppError model.AppError
	Cause    error
}

func (e *OutputError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *OutputError) Unwrap() error { return e.Cause }

func (e *OutputError) App() model.AppError { return e.AppError }

func writeOutput(path string, doc *render.Document) error {
	body, err := doc.YAML()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, body); err != nil {
		return &OutputError{
			AppError: model.AppError{
				Code:    "WRITE_FAILED",
				Message: "写入输出文件失败",
				Stage:   "write_output",
				URL:     path,
			},
			Cause: err,
		}
	}
	return nil
}

// writeMetrics refreshes the textfile; a failure only costs observability.
func writeMetrics(opt Options) {
	if opt.MetricsTextfile == "" {
		return
	}
	var buf bytes.Buffer
	if err := opt.Metrics.WriteText(&buf); err != nil {
		opt.Logger.Warn("render metrics failed", "error", err)
		return
	}
	if err := writeFileAtomic(opt.MetricsTextfile, buf.Bytes()); err != nil {
		opt.Logger.Warn("write metrics textfile failed", "path", opt.MetricsTextfile, "error", err)
	}
}

// writeFileAtomic replaces path with data via a temp file in the same
// directory, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
