// Package verify implements the Verifier (spec.md §4.A): streaming content
// hashing with a size+timestamp fallback, and pairwise comparison across
// multiple targets sharing one precomputed source hash.
//
// The streaming hash reader is modeled on the teacher's
// agent/tasks/copy/crc32reader.go CRC32UpdatingReader, generalized from
// CRC32C to SHA-256 per spec.md §4.A.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/Johnnywatts/forker/internal/model"
)

// Method enumerates the verification strategies spec.md §4.A defines.
type Method string

const (
	MethodHash             Method = "Hash"
	MethodSizeAndTimestamp Method = "SizeAndTimestamp"
	MethodSizeOnly         Method = "SizeOnly"
	MethodAuto             Method = "Auto"
)

// Options configures a Verifier.
type Options struct {
	Method                 Method
	BufferSize             int
	LargeFileThreshold     int64
	EnableLargeFileHashing bool
	TimestampTolerance     time.Duration
	HashRetryAttempts      int
	HashRetryDelay         time.Duration
}

// DefaultOptions mirrors config.Default()'s verification section.
func DefaultOptions() Options {
	return Options{
		Method:             MethodAuto,
		BufferSize:         64 * 1024,
		LargeFileThreshold: 1024 * 1024 * 1024,
		TimestampTolerance: 2 * time.Second,
		HashRetryAttempts:  3,
		HashRetryDelay:     200 * time.Millisecond,
	}
}

// Result is the outcome of verifying one source/target pair.
type Result struct {
	Success     bool
	Method      Method
	SourceHash  string
	TargetHash  string
	UsedFallback bool
	Err         error
}

// MultiResult is the outcome of verifying one source against several
// targets, sharing a single source hash computation.
type MultiResult struct {
	Success bool
	PerTarget map[string]Result
}

type Verifier struct {
	opts Options
}

func New(opts Options) *Verifier {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	return &Verifier{opts: opts}
}

// resolveMethod implements the Auto policy from spec.md §4.A.
func (v *Verifier) resolveMethod(size int64) Method {
	if v.opts.Method != MethodAuto {
		return v.opts.Method
	}
	if size <= v.opts.LargeFileThreshold || v.opts.EnableLargeFileHashing {
		return MethodHash
	}
	return MethodSizeAndTimestamp
}

// VerifyMulti verifies source against every target in targets, computing the
// source hash at most once when the resolved method needs it.
func (v *Verifier) VerifyMulti(source string, targets map[string]string) (MultiResult, error) {
	srcInfo, err := os.Stat(source)
	if err != nil {
		return MultiResult{}, model.NewOpError(model.CategoryFileSystem, fmt.Sprintf("source missing: %s", source), err)
	}

	method := v.resolveMethod(srcInfo.Size())
	var sourceHash string
	var usedFallback bool
	if method == MethodHash {
		sourceHash, usedFallback, err = v.hashWithFallback(source)
		if err != nil {
			return MultiResult{}, err
		}
		if usedFallback {
			method = MethodSizeAndTimestamp
		}
	}

	out := MultiResult{Success: true, PerTarget: make(map[string]Result, len(targets))}
	for name, targetPath := range targets {
		res := v.verifyOne(source, targetPath, srcInfo, method, sourceHash, usedFallback)
		out.PerTarget[name] = res
		if !res.Success {
			out.Success = false
		}
	}
	return out, nil
}

// Verify verifies a single source/target pair end to end (used by callers
// that only have one destination, or for re-verifying one destination on a
// partial item retry).
func (v *Verifier) Verify(source, target string) Result {
	srcInfo, err := os.Stat(source)
	if err != nil {
		return Result{Success: false, Err: model.NewOpError(model.CategoryFileSystem, "source missing", err)}
	}
	method := v.resolveMethod(srcInfo.Size())
	var sourceHash string
	var usedFallback bool
	if method == MethodHash {
		sourceHash, usedFallback, err = v.hashWithFallback(source)
		if err != nil {
			return Result{Success: false, Method: MethodHash, Err: err}
		}
		if usedFallback {
			method = MethodSizeAndTimestamp
		}
	}
	return v.verifyOne(source, target, srcInfo, method, sourceHash, usedFallback)
}

func (v *Verifier) verifyOne(source, target string, srcInfo os.FileInfo, method Method, sourceHash string, usedFallback bool) Result {
	dstInfo, err := os.Stat(target)
	if err != nil {
		return Result{Success: false, Method: method, Err: model.NewOpError(model.CategoryFileSystem, "target missing: "+target, err)}
	}

	switch method {
	case MethodHash:
		targetHash, err := v.streamHash(target)
		if err != nil {
			return Result{Success: false, Method: MethodHash, Err: err}
		}
		return Result{
			Success:      sourceHash == targetHash,
			Method:       MethodHash,
			SourceHash:   sourceHash,
			TargetHash:   targetHash,
			UsedFallback: usedFallback,
		}
	case MethodSizeAndTimestamp:
		sizeOK := srcInfo.Size() == dstInfo.Size()
		delta := srcInfo.ModTime().Sub(dstInfo.ModTime())
		if delta < 0 {
			delta = -delta
		}
		return Result{Success: sizeOK && delta <= v.opts.TimestampTolerance, Method: MethodSizeAndTimestamp, UsedFallback: usedFallback}
	case MethodSizeOnly:
		return Result{Success: srcInfo.Size() == dstInfo.Size(), Method: MethodSizeOnly}
	default:
		return Result{Success: false, Method: method, Err: model.NewOpError(model.CategoryUnknown, "unknown verification method", nil)}
	}
}

// hashWithFallback streams the SHA-256 of path, retrying transient I/O
// errors up to HashRetryAttempts times before degrading to
// SizeAndTimestamp, per spec.md §4.A.
func (v *Verifier) hashWithFallback(path string) (digest string, usedFallback bool, err error) {
	var lastErr error
	attempts := v.opts.HashRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		digest, lastErr = v.streamHash(path)
		if lastErr == nil {
			return digest, false, nil
		}
		glog.Warningf("verify: hash attempt %d/%d for %s failed: %v", attempt, attempts, path, lastErr)
		if attempt < attempts {
			time.Sleep(v.opts.HashRetryDelay)
		}
	}
	glog.Warningf("verify: degrading to SizeAndTimestamp for %s after %d failed hash attempts: %v", path, attempts, lastErr)
	return "", true, nil
}

// streamHash computes path's SHA-256 with a bounded-size read buffer,
// opening with shared read+write access so an external writer is never
// blocked — spec.md invariant "no source file is ... blocked".
func (v *Verifier) streamHash(path string) (string, error) {
	f, err := openShared(path)
	if err != nil {
		return "", model.NewOpError(model.CategoryFileSystem, "open for hashing: "+path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, v.opts.BufferSize)
	if _, err := copyWithHash(h, f, buf); err != nil {
		return "", model.NewOpError(model.CategoryFileSystem, "read for hashing: "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyWithHash reads src in buf-sized chunks, feeding every chunk into h, so
// peak memory is O(len(buf)) regardless of file size.
func copyWithHash(h hash.Hash, src io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// EmptyDigest is the constant SHA-256 of zero bytes, exposed for tests that
// exercise the zero-byte edge case.
func EmptyDigest() string {
	return hex.EncodeToString(sha256.New().Sum(nil))
}

// openShared opens path for reading without taking an exclusive lock, so an
// external writer (the application still producing the file) is never
// blocked. Plain os.Open already shares on Unix; the name documents the
// intent spec.md's invariant depends on.
func openShared(path string) (*os.File, error) {
	return os.Open(path)
}
