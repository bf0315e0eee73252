package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxMetaLine 限制条目首行元数据的长度，防止损坏文件导致无限读取。
const maxMetaLine = 1 << 20

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	meta, offset, err := readMeta(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode cache entry %s: %w", filePath, err)
	}

	size := info.Size() - offset
	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: size,
		Meta:      meta,
	}
	return &ReadResult{
		Entry:  entry,
		Reader: &bodyReader{SectionReader: io.NewSectionReader(f, offset, size), file: f},
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	storedAt := opts.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := Meta{
		URL:      opts.URL,
		Method:   opts.Method,
		Status:   opts.Status,
		Header:   opts.Header,
		StoredAt: storedAt,
	}

	written, err := writeEntry(ctx, tempFile, meta, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: written,
		Meta:      meta,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) EnsureGeneration(ctx context.Context, generation string) error {
	dir, err := s.generationPath(generation)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) DropGeneration(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.generationPath(generation)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) Count(ctx context.Context, generation string) (int, error) {
	dir, err := s.generationPath(generation)
	if err != nil {
		return 0, err
	}
	count := 0
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationPath(generation string) (string, error) {
	if !validGeneration(generation) {
		return "", fmt.Errorf("%w: %q", ErrInvalidGeneration, generation)
	}
	return filepath.Join(s.basePath, generation), nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	dir, err := s.generationPath(locator.Generation)
	if err != nil {
		return "", err
	}
	if locator.Key == "" {
		return "", errors.New("cache key required")
	}
	sum := sha256.Sum256([]byte(locator.Key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(dir, name[:2], name), nil
}

func validGeneration(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func writeEntry(ctx context.Context, dst io.Writer, meta Meta, body io.Reader) (int64, error) {
	line, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')
	if _, err := dst.Write(line); err != nil {
		return 0, err
	}
	if body == nil {
		return 0, nil
	}
	return copyWithContext(ctx, dst, body)
}

func readMeta(f *os.File) (Meta, int64, error) {
	reader := bufio.NewReader(io.LimitReader(f, maxMetaLine))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return Meta{}, 0, fmt.Errorf("read meta line: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(line, &meta); err != nil {
		return Meta{}, 0, err
	}
	return meta, int64(len(line)), nil
}

// bodyReader 仅暴露正文区间，并在 Close 时释放底层文件句柄。
type bodyReader struct {
	*io.SectionReader
	file *os.File
}

func (r *bodyReader) Close() error {
	return r.file.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Generation + "::" + locator.Key
}
