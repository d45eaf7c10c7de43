package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"appcage/pkg/fileutil"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// JobStatus 是补丁任务的状态
type JobStatus string

const (
	// StatusStaged 表示任务等待特权 apply
	StatusStaged JobStatus = "staged"
	// StatusApplied 表示补丁已写入目标
	StatusApplied JobStatus = "applied"
	// StatusFailed 表示 apply 尝试失败，任务留在原地供检查
	StatusFailed JobStatus = "failed"
)

// Job 是一条暂存的补丁任务，等待单独的特权 apply 步骤消费
type Job struct {
	// ID 是任务的唯一标识
	ID string `json:"id"`

	// Instance 是任务所属的实例名
	Instance string `json:"instance"`

	// Source 是补丁来源资源（产生本产物的原始 asar）
	Source string `json:"source"`

	// Patched 是暂存区内的补丁产物路径
	Patched string `json:"patched"`

	// Dest 是目标系统路径；为空时由 apply 步骤探测已知安装位置
	Dest string `json:"dest,omitempty"`

	// Status 见 JobStatus
	Status JobStatus `json:"status"`

	// Error 记录最近一次失败原因（Status 为 failed 时）
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// jobKey 返回 (实例, 来源资源) 对应的暂存文件名主干。
// 同一实例对同一来源重复暂存会覆盖旧任务，保证最多一条未决任务。
func jobKey(instance, source string) string {
	d := digest.FromString(instance + "\x00" + source)
	return instance + "-" + d.Encoded()[:12]
}

// Stage 把补丁产物和任务记录写进暂存目录。
// patched 会被复制进暂存区，调用方的工作区之后可以安全清理。
func (e *Engine) Stage(instance, source, patched, dest string) (*Job, error) {
	if err := fileutil.EnsureDir(e.StageDir, 0755); err != nil {
		return nil, err
	}

	key := jobKey(instance, source)
	artifact := filepath.Join(e.StageDir, key+".asar")
	if err := fileutil.CopyFile(patched, artifact); err != nil {
		return nil, fmt.Errorf("stage patched artifact: %w", err)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Instance:  instance,
		Source:    source,
		Patched:   artifact,
		Dest:      dest,
		Status:    StatusStaged,
		CreatedAt: time.Now(),
	}

	if err := saveJob(filepath.Join(e.StageDir, key+".json"), job); err != nil {
		return nil, err
	}

	log.Info("staged patch job", "instance", instance, "dest", dest, "job", job.ID)
	return job, nil
}

// ListStaged 返回一个暂存目录中的全部任务，按文件名排序。
// 损坏的任务文件被跳过并告警，不阻塞其余任务。
func ListStaged(stageDir string) ([]*Job, []string, error) {
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read stage directory %s: %w", stageDir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(stageDir, entry.Name()))
	}
	sort.Strings(paths)

	var jobs []*Job
	var jobPaths []string
	for _, path := range paths {
		job, err := loadJob(path)
		if err != nil {
			log.Warn("skipping corrupt patch job", "path", path, "err", err)
			continue
		}
		jobs = append(jobs, job)
		jobPaths = append(jobPaths, path)
	}
	return jobs, jobPaths, nil
}

// DiscardFor 丢弃一个实例名下的全部暂存任务与产物。
// 实例删除时调用；幂等。
func (e *Engine) DiscardFor(instance string) error {
	jobs, paths, err := ListStaged(e.StageDir)
	if err != nil {
		return err
	}

	for i, job := range jobs {
		if job.Instance != instance {
			continue
		}
		if err := os.Remove(paths[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard job %s: %w", paths[i], err)
		}
		if job.Patched != "" {
			if err := os.Remove(job.Patched); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("discard artifact %s: %w", job.Patched, err)
			}
		}
		log.Debug("discarded staged patch job", "instance", instance, "job", job.ID)
	}
	return nil
}

func loadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	return &job, nil
}

func saveJob(path string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := fileutil.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save job %s: %w", path, err)
	}
	return nil
}
