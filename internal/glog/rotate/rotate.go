/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rotate implements size-bounded, generation-limited log file
// rotation for thermalguard's rotating raw/error packet logs.
package rotate

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	mb = 1024 * 1024

	// DefaultMaxSize matches the 5 MB rotation threshold for the
	// tcp_debug.log / tcp_errors.log packet logs.
	DefaultMaxSize     = 5 * mb
	DefaultMaxHistory  = 3
	DefaultCompressOld = true

	gzExt = `.gz`
)

var ErrAlreadyClosed = errors.New("rotate: file already closed")

// FileRotator is an io.WriteCloser that rolls the target file to a
// numbered (optionally gzip-compressed) history file once it crosses
// maxSize, keeping at most maxHistory old generations.
type FileRotator struct {
	sync.Mutex
	perm       os.FileMode
	pth        string
	baseName   string
	fout       *os.File
	currSize   int64
	maxSize    int64
	maxHistory uint
	compress   bool
}

func Open(pth string, perm os.FileMode) (*FileRotator, error) {
	return OpenEx(pth, perm, DefaultMaxSize, DefaultMaxHistory, DefaultCompressOld)
}

func OpenEx(pth string, perm os.FileMode, maxSize int64, maxHistory uint, compressOld bool) (*FileRotator, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxHistory == 0 {
		maxHistory = 1
	}

	pth = filepath.Clean(pth)
	_, file := filepath.Split(pth)
	if file == `` {
		return nil, fmt.Errorf("rotate: file path %q has no filename", pth)
	}

	bn, _, ok := getExt(file)
	if !ok {
		return nil, fmt.Errorf("rotate: file extension required on path %q", pth)
	}

	if err := os.MkdirAll(filepath.Dir(pth), 0755); err != nil {
		return nil, err
	}

	fout, sz, err := openFile(pth, perm)
	if err != nil {
		return nil, err
	}

	fr := &FileRotator{
		perm:       perm,
		pth:        pth,
		baseName:   bn,
		fout:       fout,
		currSize:   sz,
		maxSize:    maxSize,
		maxHistory: maxHistory,
		compress:   compressOld,
	}

	if fr.currSize >= fr.maxSize {
		if err = fr.rotate(); err != nil {
			fr.Close()
			return nil, fmt.Errorf("rotate: initial rotation of %v failed: %w", pth, err)
		}
	}

	return fr, nil
}

func (fr *FileRotator) Close() (err error) {
	fr.Lock()
	defer fr.Unlock()
	if fr.fout == nil {
		return ErrAlreadyClosed
	}
	if err = fr.fout.Close(); err != nil {
		return
	}
	fr.fout = nil
	return
}

// Write implements io.Writer. Rotation only happens on newline-terminated
// writes once currSize has crossed maxSize, so a single structured log
// line is never split across two files.
func (fr *FileRotator) Write(buf []byte) (n int, err error) {
	var doRotate bool
	fr.Lock()
	if fr.fout == nil {
		fr.Unlock()
		return 0, ErrAlreadyClosed
	}
	if n, err = fr.fout.Write(buf); err == nil {
		fr.currSize += int64(n)
		if fr.currSize >= fr.maxSize && newlineTerminated(buf) {
			doRotate = true
		}
	}
	fr.Unlock()
	if doRotate {
		err = fr.rotate()
	}
	return
}

func newlineTerminated(buf []byte) bool {
	l := len(buf)
	return l >= 1 && (buf[l-1] == '\n' || buf[l-1] == '\r')
}

func (fr *FileRotator) rotate() (err error) {
	fr.Lock()
	err = fr.rotateNoLock()
	fr.Unlock()
	return
}

func (fr *FileRotator) rotateNoLock() (err error) {
	if fr.maxHistory > 1 {
		if err = fr.rotateHistoryNoLock(); err != nil {
			return
		}
	}
	return fr.rollCurrentNoLock()
}

type historyFile struct {
	base      string
	orig      string
	baseName  string
	ext       string
	historyID uint
}

func (hf historyFile) origpath() string { return filepath.Join(hf.base, hf.orig) }
func (hf historyFile) path() string     { return filepath.Join(hf.base, hf.name()) }

func (hf historyFile) name() string {
	if hf.historyID > 0 {
		return fmt.Sprintf("%s.%d%s", hf.baseName, hf.historyID, hf.ext)
	}
	return fmt.Sprintf("%s%s", hf.baseName, hf.ext)
}

func resolveHistory(basePath, filename string) (h historyFile, ok bool) {
	h.orig = filename
	h.base = basePath
	var tempFilename string
	if tempFilename, h.ext, ok = getExt(filename); !ok {
		return
	}
	if ext := filepath.Ext(tempFilename); ext != `` {
		lext := strings.TrimPrefix(ext, ".")
		if id, err := strconv.ParseUint(lext, 10, 64); err == nil && id < math.MaxUint {
			h.historyID = uint(id)
			tempFilename = strings.TrimSuffix(tempFilename, ext)
		}
	}
	h.baseName = tempFilename
	return
}

func (fr *FileRotator) getHistoryNoLock() (r []historyFile, err error) {
	var dents []fs.DirEntry
	dir, file := filepath.Split(fr.pth)
	if dir == `` {
		dir = `.`
	}
	if dents, err = os.ReadDir(dir); err != nil {
		return
	}
	for _, dent := range dents {
		if !dent.Type().IsRegular() {
			continue
		} else if name := dent.Name(); name == file {
			continue
		} else if h, ok := resolveHistory(dir, name); !ok {
			continue
		} else if h.baseName != fr.baseName {
			continue
		} else {
			r = append(r, h)
		}
	}
	sort.SliceStable(r, func(i, j int) bool {
		return r[i].historyID < r[j].historyID
	})
	return
}

func (fr *FileRotator) rotateHistoryNoLock() (err error) {
	var hist []historyFile
	if hist, err = fr.getHistoryNoLock(); err != nil {
		return fmt.Errorf("rotate: failed to list history for %v: %w", fr.pth, err)
	}
	max := fr.maxHistory
	if max > 0 {
		max--
	}
	if uint(len(hist)) >= max {
		toDelete := hist[max:]
		hist = hist[0:max]
		for _, v := range toDelete {
			if err = os.Remove(v.origpath()); err != nil {
				return fmt.Errorf("rotate: failed to remove %v: %w", v.origpath(), err)
			}
		}
	}
	if len(hist) == 0 {
		return nil
	}
	for i := len(hist) - 1; i >= 0; i-- {
		h := hist[i]
		h.historyID++
		if err = os.Rename(h.origpath(), h.path()); err != nil {
			return fmt.Errorf("rotate: failed to rotate %v -> %v: %w", h.origpath(), h.path(), err)
		}
	}
	return nil
}

func (fr *FileRotator) rollCurrentNoLock() (err error) {
	dir, name := filepath.Split(fr.pth)
	h, ok := resolveHistory(dir, name)
	if !ok {
		return fmt.Errorf("rotate: failed to resolve history state of %v", fr.pth)
	}
	h.historyID++
	if fr.compress {
		h.ext = h.ext + gzExt
	}
	nf := h.path()
	of := h.origpath()

	if err = fr.fout.Close(); err != nil {
		return fmt.Errorf("rotate: failed to close %v: %w", fr.pth, err)
	}
	if !fr.compress {
		if err = os.Rename(of, nf); err != nil {
			return fmt.Errorf("rotate: failed to rename %v -> %v: %w", of, nf, err)
		}
	} else {
		if err = compressFile(of, nf, fr.perm); err != nil {
			return err
		} else if err = os.Remove(of); err != nil {
			return fmt.Errorf("rotate: failed to remove %v after compression: %w", of, err)
		}
	}
	if fr.fout, fr.currSize, err = openFile(fr.pth, fr.perm); err != nil {
		return fmt.Errorf("rotate: failed to reopen %v: %w", fr.pth, err)
	}
	return nil
}

func openFile(pth string, perm os.FileMode) (fout *os.File, sz int64, err error) {
	if fout, err = os.OpenFile(pth, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm); err != nil {
		return
	}
	if sz, err = fout.Seek(0, io.SeekEnd); err != nil {
		fout.Close()
		err = fmt.Errorf("rotate: failed to stat size of %v: %w", pth, err)
	}
	return
}

func compressFile(src, dst string, perm os.FileMode) (err error) {
	var fin, fout *os.File
	var wtr *gzip.Writer
	if fin, err = os.Open(src); err != nil {
		return
	}
	defer fin.Close()
	if fout, err = os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm); err != nil {
		return
	}
	defer fout.Close()
	if wtr, err = gzip.NewWriterLevel(fout, gzip.BestCompression); err != nil {
		return fmt.Errorf("rotate: failed to create gzip writer on %v: %w", dst, err)
	}
	if _, err = io.Copy(wtr, fin); err == nil {
		err = wtr.Close()
	}
	if err != nil {
		err = fmt.Errorf("rotate: failed to compress %v -> %v: %w", src, dst, err)
	}
	return
}

func getExt(v string) (base, ext string, ok bool) {
	if ext = filepath.Ext(v); ext == `` {
		base = v
		return
	}
	base = strings.TrimSuffix(v, ext)

	if ext == gzExt {
		if ext = filepath.Ext(base); ext == `` {
			ext, ok = gzExt, true
			return
		} else if _, lerr := strconv.ParseUint(strings.TrimPrefix(ext, "."), 10, 64); lerr == nil {
			ext, ok = gzExt, true
			return
		}
		base = strings.TrimSuffix(base, ext)
		ext = ext + gzExt
	}
	ok = true
	return
}
