// Package extract 把供应商分发的嵌套容器变成规范的应用资源树。
//
// 供应商的打包布局在版本之间变过不止一次，所以每一个"按名字找"
// 的步骤都配有"按内容探测找"的兜底：定位器按顺序尝试，全部
// 落空才算失败。
package extract

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"appcage/pkg/errdefs"
)

// Locator 是一个定位策略。
// Find 返回空串表示本策略没有命中，返回 error 表示策略本身执行失败。
type Locator struct {
	// Name 用于错误信息中标识策略
	Name string

	Find func(root string) (string, error)
}

// Locate 依次尝试各定位器，返回第一个命中的路径。
// 全部落空时返回 errdefs.ErrResourceNotFound，并列出尝试过的策略。
func Locate(root, what string, locators []Locator) (string, error) {
	var tried []string
	for _, l := range locators {
		path, err := l.Find(root)
		if err != nil {
			return "", fmt.Errorf("locator %s for %s in %s: %w", l.Name, what, root, err)
		}
		if path != "" {
			return path, nil
		}
		tried = append(tried, l.Name)
	}
	return "", fmt.Errorf("no %s under %s (tried %s): %w",
		what, root, strings.Join(tried, ", "), errdefs.ErrResourceNotFound)
}

// ByExtension 按文件扩展名匹配（大小写不敏感）
func ByExtension(ext string) Locator {
	return Locator{
		Name: "extension " + ext,
		Find: func(root string) (string, error) {
			return walkFind(root, func(path string, _ os.FileInfo) bool {
				return strings.EqualFold(filepath.Ext(path), ext)
			})
		},
	}
}

// ByBasename 按文件名精确匹配
func ByBasename(name string) Locator {
	return Locator{
		Name: "basename " + name,
		Find: func(root string) (string, error) {
			return walkFind(root, func(path string, _ os.FileInfo) bool {
				return filepath.Base(path) == name
			})
		},
	}
}

// ByMagic 对每个文件读取头部字节做内容探测
func ByMagic(desc string, sniff func(header []byte) bool) Locator {
	return Locator{
		Name: "magic " + desc,
		Find: func(root string) (string, error) {
			return walkFind(root, func(path string, info os.FileInfo) bool {
				if info.Size() < 4 {
					return false
				}
				header, err := readHeader(path, 64)
				if err != nil {
					return false
				}
				return sniff(header)
			})
		},
	}
}

// walkFind 遍历 root 下的常规文件，返回第一个满足 match 的路径
func walkFind(root string, match func(path string, info os.FileInfo) bool) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found != "" || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if match(path, info) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return found, nil
}

// readHeader 读取文件开头最多 n 字节
func readHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read == 0 && err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// 内容探测用的魔数

// IsDeb 识别 Debian 包（ar 归档魔数 "!<arch>\n"）
func IsDeb(header []byte) bool {
	return bytes.HasPrefix(header, []byte("!<arch>\n"))
}

// IsGzip 识别 gzip 流
func IsGzip(header []byte) bool {
	return len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b
}

// IsAsar 识别打包资源文件。
// asar 以 pickle 编码的头部开始：前 4 字节为小端的 4（头部尺寸字段
// 自身的长度），偏移 16 处是 JSON 目录的第一个字节 '{'。
func IsAsar(header []byte) bool {
	if len(header) < 17 {
		return false
	}
	if binary.LittleEndian.Uint32(header[0:4]) != 4 {
		return false
	}
	return header[16] == '{'
}
