//go:build linux
// +build linux

package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"appcage/pkg/fileutil"
	"appcage/pkg/lockfile"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// originalSuffix 是系统目标首次被覆盖前的备份后缀
const originalSuffix = ".original"

// Apply 把补丁产物送达目标路径。
//
// 目标用户可写时原地原子替换，返回 (nil, nil)。
// 目标需要特权时绝不直接写入：暂存一条 PatchJob 并返回它，
// 由调用方提示用户以特权身份执行单独的 apply 步骤。
func (e *Engine) Apply(instance, source, patched, dest string) (*Job, error) {
	if writableDirectly(dest) {
		if err := fileutil.ReplaceFile(patched, dest); err != nil {
			return nil, fmt.Errorf("replace %s: %w", dest, err)
		}
		log.Info("applied patch", "instance", instance, "dest", dest)
		return nil, nil
	}

	return e.Stage(instance, source, patched, dest)
}

// writableDirectly 判断当前主体能否直接替换 dest。
// 原子替换需要目标所在目录可写（rename），目标存在时自身也需可写。
func writableDirectly(dest string) bool {
	if err := unix.Access(filepath.Dir(dest), unix.W_OK); err != nil {
		return false
	}
	if _, err := os.Stat(dest); err == nil {
		return unix.Access(dest, unix.W_OK) == nil
	}
	return true
}

// ApplyOptions 配置一次特权 apply 扫描
type ApplyOptions struct {
	// StageDirs 是要扫描的暂存目录（每用户一个）
	StageDirs []string

	// WatchRoot 是 watch 模式下发现暂存目录的根（默认 os.TempDir()）。
	// 暂存目录按 appcage-*/pending 布局出现在它下面。
	WatchRoot string

	// DoneDir 是处理完的任务与产物的归档目录。
	// 为空时取各暂存目录的兄弟目录 done（特权扫描跨用户时各归各家）。
	DoneDir string

	// SystemTargets 是无目标提示任务的已知安装位置探测列表
	SystemTargets []string

	// Confirm 在把补丁写到探测出的位置前调用；返回 false 跳过该位置。
	// 带明确目标的任务不需要确认。
	Confirm func(dest string) bool
}

// ApplyStaged 以特权身份消费暂存队列，返回成功应用的任务数。
//
// 每个暂存目录在扫描期间持有非阻塞排它锁，两次扫描绝不并发。
// 对每条任务：校验目标仍像此前解包过的资源 → 首次且仅首次创建
// .original 备份 → 用补丁产物覆盖目标并保留原属主与权限位 →
// 任务移入归档目录。校验失败的任务标记 failed 留在原地。
func ApplyStaged(opts ApplyOptions) (int, error) {
	applied := 0
	for _, stageDir := range opts.StageDirs {
		n, err := applyStageDir(stageDir, opts)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func applyStageDir(stageDir string, opts ApplyOptions) (int, error) {
	if _, err := os.Stat(stageDir); os.IsNotExist(err) {
		return 0, nil
	}

	lock, err := lockfile.TryAcquire(filepath.Join(stageDir, ".lock"))
	if err != nil {
		return 0, fmt.Errorf("another apply pass is running on %s: %w", stageDir, err)
	}
	defer lock.Release()

	jobs, paths, err := ListStaged(stageDir)
	if err != nil {
		return 0, err
	}

	doneDir := opts.DoneDir
	if doneDir == "" {
		doneDir = filepath.Join(filepath.Dir(stageDir), "done")
	}

	applied := 0
	for i, job := range jobs {
		if job.Status != StatusStaged && job.Status != StatusFailed {
			continue
		}
		if err := applyJob(job, paths[i], doneDir, opts); err != nil {
			// 单条任务失败不阻塞其余任务；状态已写回任务文件
			log.Error("patch job failed", "job", job.ID, "instance", job.Instance, "err", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// applyJob 处理一条任务；失败时把 failed 状态写回任务文件并返回错误
func applyJob(job *Job, jobPath, doneDir string, opts ApplyOptions) error {
	fail := func(err error) error {
		job.Status = StatusFailed
		job.Error = err.Error()
		if saveErr := saveJob(jobPath, job); saveErr != nil {
			log.Warn("record job failure", "path", jobPath, "err", saveErr)
		}
		return err
	}

	dests, err := resolveDests(job, opts)
	if err != nil {
		return fail(err)
	}
	if len(dests) == 0 {
		log.Warn("no destination for patch job, leaving staged",
			"job", job.ID, "instance", job.Instance)
		return nil
	}

	for _, dest := range dests {
		if err := applyToDest(job.Patched, dest); err != nil {
			return fail(fmt.Errorf("apply to %s: %w", dest, err))
		}
		log.Info("applied staged patch", "instance", job.Instance, "dest", dest)
	}

	// 归档：任务和产物一起移入 done 存储
	job.Status = StatusApplied
	if err := fileutil.EnsureDir(doneDir, 0755); err != nil {
		return fail(err)
	}
	donePath := filepath.Join(doneDir, filepath.Base(jobPath))
	if err := saveJob(donePath, job); err != nil {
		return fail(err)
	}
	if job.Patched != "" {
		doneArtifact := filepath.Join(doneDir, filepath.Base(job.Patched))
		if err := os.Rename(job.Patched, doneArtifact); err != nil && !os.IsNotExist(err) {
			return fail(fmt.Errorf("archive artifact: %w", err))
		}
	}
	if err := os.Remove(jobPath); err != nil && !os.IsNotExist(err) {
		return fail(fmt.Errorf("remove staged job: %w", err))
	}
	return nil
}

// resolveDests 确定任务的目标路径。
// 任务无目标提示时探测已知系统安装位置，每个命中都需要交互确认。
func resolveDests(job *Job, opts ApplyOptions) ([]string, error) {
	if job.Dest != "" {
		return []string{job.Dest}, nil
	}

	var dests []string
	for _, target := range opts.SystemTargets {
		if _, err := os.Stat(target); err != nil {
			continue
		}
		if opts.Confirm != nil && !opts.Confirm(target) {
			log.Info("skipped destination", "dest", target)
			continue
		}
		dests = append(dests, target)
	}
	return dests, nil
}

// applyToDest 把产物覆盖到单个目标：校验、一次性备份、保属主替换
func applyToDest(patched, dest string) error {
	if err := VerifyPackedResource(dest); err != nil {
		return err
	}

	// .original 备份只创建一次，后续 apply 绝不覆盖它
	backup := dest + originalSuffix
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := fileutil.CopyFile(dest, backup); err != nil {
			return fmt.Errorf("create original backup: %w", err)
		}
	}

	// 记录替换前的属主，覆盖后恢复（ReplaceFile 已保留权限位）
	var st unix.Stat_t
	if err := unix.Stat(dest, &st); err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}

	if err := fileutil.ReplaceFile(patched, dest); err != nil {
		return err
	}

	if err := os.Chown(dest, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("restore owner of %s: %w", dest, err)
	}
	return nil
}

// WatchStaged 先做一次扫描，之后持续监听，新任务落盘即再次扫描。
// 阻塞运行到 ctx 取消或 watcher 失败。
//
// fsnotify 不递归，而暂存目录（<root>/appcage-<uid>/pending）可能在
// watcher 启动之后才出现——某个用户的第一次 install 也必须被接住。
// 因此监听发现根本身，每轮事件重新枚举 appcage-*/pending 并补挂监听；
// 新出现的暂存目录先扫一遍，落盘先于挂监听的任务不会丢。
func WatchStaged(ctx context.Context, opts ApplyOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	root := opts.WatchRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}

	watched := map[string]bool{}
	for _, dir := range opts.StageDirs {
		if err := fileutil.EnsureDir(dir, 0755); err != nil {
			return err
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	// refresh 枚举当前全部暂存目录并补挂新出现的监听
	refresh := func() []string {
		dirs, err := filepath.Glob(filepath.Join(root, "appcage-*", "pending"))
		if err != nil {
			log.Warn("enumerate stage directories", "root", root, "err", err)
		}
		for _, dir := range dirs {
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				log.Warn("watch stage directory", "dir", dir, "err", err)
				continue
			}
			watched[dir] = true
		}
		all := append([]string(nil), opts.StageDirs...)
		for _, dir := range dirs {
			if !contains(all, dir) {
				all = append(all, dir)
			}
		}
		return all
	}

	sweep := func() {
		pass := opts
		pass.StageDirs = refresh()
		if _, err := ApplyStaged(pass); err != nil {
			log.Error("apply pass failed", "err", err)
		}
	}

	sweep()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantWatchEvent(event, root) {
				continue
			}
			log.Debug("stage area changed", "event", event)
			sweep()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch stage directories: %w", err)
		}
	}
}

// relevantWatchEvent 过滤触发扫描的事件：发现根下新的 appcage-* 用户
// 目录、其中 pending 目录的出现，以及暂存目录里任务文件的落盘。
func relevantWatchEvent(event fsnotify.Event, root string) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	dir, base := filepath.Split(event.Name)
	dir = filepath.Clean(dir)
	if dir == root {
		ok, _ := filepath.Match("appcage-*", base)
		return ok
	}
	if base == "pending" {
		ok, _ := filepath.Match("appcage-*", filepath.Base(dir))
		return ok && filepath.Dir(dir) == root
	}
	return strings.HasSuffix(base, ".json")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
