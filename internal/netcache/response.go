package netcache

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/pokedex-swift/pokedex-swift/internal/cache"
)

// cachedResponse 把缓存条目还原为 http.Response，正文直接读取条目文件。
func cachedResponse(req *http.Request, result *cache.ReadResult) *http.Response {
	header := result.Entry.Meta.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheStatusHeader, CacheHit)
	header.Set("Content-Length", strconv.FormatInt(result.Entry.SizeBytes, 10))
	status := result.Entry.Meta.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          result.Reader,
		ContentLength: result.Entry.SizeBytes,
		Request:       req,
	}
}

// errBodyIncomplete 表示调用方未读完正文就关闭，此时不写入缓存。
var errBodyIncomplete = errors.New("response body closed before EOF")

// teeBody 在调用方读取正文的同时把字节写入管道，由后台 Put 落盘。
// 只有读到 EOF 才会提交条目；提前关闭或读取出错都会丢弃临时文件。
type teeBody struct {
	src  io.ReadCloser
	pw   *io.PipeWriter
	done <-chan struct{}
	once sync.Once
	eof  bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 && b.pw != nil {
		if _, werr := b.pw.Write(p[:n]); werr != nil {
			// 落盘失败不影响调用方继续读取。
			b.pw = nil
		}
	}
	if err == io.EOF {
		b.eof = true
		b.finish(nil)
	} else if err != nil {
		b.finish(err)
	}
	return n, err
}

func (b *teeBody) finish(err error) {
	b.once.Do(func() {
		if b.pw != nil {
			b.pw.CloseWithError(err)
		}
	})
}

// Close 结束写入并等待后台落盘完成，保证返回后条目已可见（或已放弃）。
func (b *teeBody) Close() error {
	if !b.eof {
		b.finish(errBodyIncomplete)
	}
	err := b.src.Close()
	<-b.done
	return err
}
