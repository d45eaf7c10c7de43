// Package fetch 下载供应商分发的安装器。
//
// 只做一次普通的 HTTP(S) GET，不做认证，不在内部重试；
// 重试策略由调用方决定。下载内容的摘要随结果返回并被记录，
// 但不做校验（分发渠道无签名可验）。
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"appcage/pkg/errdefs"
	"appcage/pkg/fileutil"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
)

// Result 描述一次成功的下载
type Result struct {
	// Path 是安装器在本地的落盘路径
	Path string

	// Digest 是安装器内容的 sha256 摘要
	Digest digest.Digest

	// Size 是字节数
	Size int64
}

// Download 抓取 url 指向的安装器并写入 destDir。
// 传输错误和非 2xx 响应都包装为 errdefs.ErrDownloadFailed。
func Download(ctx context.Context, url, destDir string) (*Result, error) {
	if err := fileutil.EnsureDir(destDir, 0755); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}

	log.Info("downloading installer", "url", url)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %v: %w", url, err, errdefs.ErrDownloadFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: unexpected status %s: %w", url, resp.Status, errdefs.ErrDownloadFailed)
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "installer"
	}
	dest := filepath.Join(destDir, name)

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dest, err)
	}

	// 边写边算摘要，避免二次读盘
	digester := digest.SHA256.Digester()
	size, err := io.Copy(io.MultiWriter(out, digester.Hash()), resp.Body)
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("read body of %s: %v: %w", url, err, errdefs.ErrDownloadFailed)
	}
	if closeErr != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("close %s: %w", dest, closeErr)
	}

	res := &Result{Path: dest, Digest: digester.Digest(), Size: size}
	log.Info("installer downloaded", "path", dest, "size", size, "digest", res.Digest)
	return res, nil
}
