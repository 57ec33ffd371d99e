// Package copier implements the Copy Engine (spec.md §4.B): one source
// streamed to M destinations under a single read loop, temp-suffix atomic
// publish, progress callbacks, and all-or-nothing rollback.
//
// Grounded on the teacher's agent/tasks/copy/copy.go (chunked read/write
// loop, temp-name-then-rename publish, fsync-then-close ordering) and its
// reader-wrapping idiom (ratelimitedreader.go, semacquiringreader.go,
// crc32reader.go — each a thin io.Reader decorator chained in front of the
// real source reader).
package copier

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Johnnywatts/forker/internal/model"
)

const tempSuffixPrefix = ".copying."

// ProgressFunc is invoked at most every Options.ProgressEveryBytes bytes or
// Options.ProgressEveryInterval, whichever comes first, per spec.md §4.B.
type ProgressFunc func(bytesCopied, totalBytes int64, percent float64, operationID string)

// Options configures a copy operation.
type Options struct {
	ChunkSize            int
	PreserveTimestamps   bool
	ProgressEveryBytes   int64
	ProgressEveryInterval time.Duration
	MaxBytesPerSecond    int64 // 0 = unlimited
	ReadSemaphore        *semaphore.Weighted // nil = unlimited concurrent reads
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:             64 * 1024,
		ProgressEveryBytes:    1 << 20,
		ProgressEveryInterval: 500 * time.Millisecond,
	}
}

// Result is the outcome of a multi-target copy.
type Result struct {
	Success       bool
	OperationID   string
	BytesCopied   int64
	Duration      time.Duration
	AverageSpeed  float64 // bytes/sec
	Err           error
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	return &Engine{opts: opts}
}

// Copy streams source to every path in destinations (keyed by destination
// name, for error reporting only), publishing atomically on success and
// leaving no trace on failure.
func (e *Engine) Copy(ctx context.Context, operationID, source string, destinations map[string]string, progress ProgressFunc) Result {
	start := time.Now()

	srcFile, err := os.Open(source)
	if err != nil {
		return Result{Success: false, OperationID: operationID, Err: model.NewOpError(model.CategoryFileSystem, "open source: "+source, err)}
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return Result{Success: false, OperationID: operationID, Err: model.NewOpError(model.CategoryFileSystem, "stat source: "+source, err)}
	}
	totalBytes := srcInfo.Size()

	temps := make(map[string]string, len(destinations))
	files := make(map[string]*os.File, len(destinations))
	cleanup := func() {
		for name, f := range files {
			f.Close()
			if err := os.Remove(temps[name]); err != nil && !os.IsNotExist(err) {
				glog.Warningf("copier: failed to remove temp file %s: %v", temps[name], err)
			}
		}
	}

	for name, dst := range destinations {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			cleanup()
			return Result{Success: false, OperationID: operationID, Err: model.NewOpError(model.CategoryFileSystem, "mkdir for "+dst, err)}
		}
		temp := dst + tempSuffixPrefix + operationID
		f, err := os.Create(temp)
		if err != nil {
			cleanup()
			return Result{Success: false, OperationID: operationID, Err: model.NewOpError(model.CategoryFileSystem, "create temp "+temp, err)}
		}
		temps[name] = temp
		files[name] = f
	}

	var reader io.Reader = srcFile
	if e.opts.ReadSemaphore != nil {
		reader = newSemAcquiringReader(reader, ctx, e.opts.ReadSemaphore)
	}
	if e.opts.MaxBytesPerSecond > 0 {
		lim := rate.NewLimiter(rate.Limit(e.opts.MaxBytesPerSecond), int(e.opts.MaxBytesPerSecond))
		reader = newRateLimitedReader(reader, ctx, lim)
	}

	bytesCopied, err := e.copyLoop(ctx, reader, files, totalBytes, operationID, progress)
	if err != nil {
		cleanup()
		return Result{Success: false, OperationID: operationID, BytesCopied: bytesCopied, Err: err}
	}

	// Publish: fsync each target, close, then rename temp -> final. If any
	// rename fails partway, roll back everything, including already-renamed
	// targets, so the visible state is all-or-nothing.
	published := make([]string, 0, len(destinations))
	var publishErr error
	for name, f := range files {
		if err := f.Sync(); err != nil {
			glog.Warningf("copier: fsync failed for %s (continuing, best-effort): %v", temps[name], err)
		}
		if err := f.Close(); err != nil {
			publishErr = model.NewOpError(model.CategoryFileSystem, "close temp "+temps[name], err)
			break
		}
		final := destinations[name]
		if err := os.Rename(temps[name], final); err != nil {
			publishErr = model.NewOpError(model.CategoryFileSystem, "publish rename "+temps[name]+" -> "+final, err)
			break
		}
		if e.opts.PreserveTimestamps {
			if err := os.Chtimes(final, time.Now(), srcInfo.ModTime()); err != nil {
				glog.Warningf("copier: failed to preserve timestamps on %s: %v", final, err)
			}
		}
		published = append(published, final)
	}

	if publishErr != nil {
		for _, p := range published {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				glog.Warningf("copier: rollback failed to remove published %s: %v", p, err)
			}
		}
		for name, temp := range temps {
			if _, ok := files[name]; ok {
				os.Remove(temp)
			}
		}
		return Result{Success: false, OperationID: operationID, BytesCopied: bytesCopied, Err: publishErr}
	}

	dur := time.Since(start)
	speed := float64(0)
	if dur > 0 {
		speed = float64(bytesCopied) / dur.Seconds()
	}
	return Result{Success: true, OperationID: operationID, BytesCopied: bytesCopied, Duration: dur, AverageSpeed: speed}
}

// copyLoop reads fixed-size chunks from reader and writes each chunk to
// every target before reading the next, per spec.md §4.B step 3.
func (e *Engine) copyLoop(ctx context.Context, reader io.Reader, files map[string]*os.File, totalBytes int64, operationID string, progress ProgressFunc) (int64, error) {
	buf := make([]byte, e.opts.ChunkSize)
	var copied int64
	var lastEmittedBytes int64
	var lastEmittedAt time.Time

	emit := func(force bool) {
		if progress == nil {
			return
		}
		dueToBytes := e.opts.ProgressEveryBytes > 0 && copied-lastEmittedBytes >= e.opts.ProgressEveryBytes
		dueToTime := e.opts.ProgressEveryInterval > 0 && time.Since(lastEmittedAt) >= e.opts.ProgressEveryInterval
		if !force && !dueToBytes && !dueToTime {
			return
		}
		pct := float64(0)
		if totalBytes > 0 {
			pct = float64(copied) / float64(totalBytes) * 100
		}
		progress(copied, totalBytes, pct, operationID)
		lastEmittedBytes = copied
		lastEmittedAt = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			return copied, model.NewOpError(model.CategoryUnknown, "copy cancelled", ctx.Err())
		default:
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			for name, f := range files {
				if _, err := f.Write(buf[:n]); err != nil {
					return copied, model.NewOpError(model.CategoryFileSystem, "write to "+name, err)
				}
			}
			copied += int64(n)
			emit(false)
		}
		if readErr == io.EOF {
			emit(true)
			return copied, nil
		}
		if readErr != nil {
			return copied, model.NewOpError(model.CategoryFileSystem, "read source", readErr)
		}
	}
}

// TempSuffix returns the suffix used for in-flight temp files for operationID,
// exposed so tests and the queue can assert no such files survive.
func TempSuffix(operationID string) string {
	return fmt.Sprintf("%s%s", tempSuffixPrefix, operationID)
}
