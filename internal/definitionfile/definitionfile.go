// Package definitionfile 从 yaml 文件加载流程定义，写入 DefinitionStore
package definitionfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blingmoon/approval-workflow/workflow"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File 一个文件里面可以有多个定义
type File struct {
	Definitions []Definition `yaml:"definitions"`
	// SourceFile 加载时记录的文件路径
	SourceFile string `yaml:"-"`
}

type Definition struct {
	Code       string `yaml:"code"`
	Name       string `yaml:"name"`
	Classifier string `yaml:"classifier"`
	// Enabled 不写默认启用
	Enabled *bool  `yaml:"enabled"`
	Nodes   []Node `yaml:"nodes"`
}

type Node struct {
	Name      string  `yaml:"name"`
	Mode      string  `yaml:"mode"`
	Rule      string  `yaml:"rule"`
	Assignees []int64 `yaml:"assignees"`
	Role      string  `yaml:"role"`
	// TimeLimit 例如 48h，只做展示
	TimeLimit string `yaml:"time_limit"`
	Required  bool   `yaml:"required"`
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read %s failed", path)
	}
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.WithMessagef(err, "parse %s failed", path)
	}
	f.SourceFile = path
	return f, nil
}

// LoadAll paths 可以是文件也可以是目录，目录递归查找 .yaml/.yml
func LoadAll(paths []string) ([]*File, error) {
	files := make([]*File, 0)
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			f, err := LoadFile(path)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "scan %s failed", root)
		}
	}
	return files, nil
}

// ToWorkflowDefinition 节点按文件里面的顺序编号
func (d *Definition) ToWorkflowDefinition() (*workflow.WorkflowDefinition, error) {
	def := &workflow.WorkflowDefinition{
		Name:       d.Name,
		Code:       d.Code,
		Classifier: d.Classifier,
		Enabled:    d.Enabled == nil || *d.Enabled,
		Nodes:      make([]*workflow.NodeTemplate, 0, len(d.Nodes)),
	}
	for i, n := range d.Nodes {
		node := &workflow.NodeTemplate{
			Position:     i,
			Name:         n.Name,
			Mode:         workflow.NodeMode(n.Mode),
			AssigneeRule: workflow.AssigneeRule(n.Rule),
			AssigneeIDs:  n.Assignees,
			RoleCode:     n.Role,
			Required:     n.Required,
		}
		if node.Mode == workflow.NodeModeAuto && node.AssigneeRule == "" {
			node.AssigneeRule = workflow.AssigneeRuleNone
		}
		if n.TimeLimit != "" {
			limit, err := time.ParseDuration(n.TimeLimit)
			if err != nil {
				return nil, errors.WithMessagef(workflow.ErrDefinitionInvalid, "definition %s node %s time_limit %q: %v", d.Code, n.Name, n.TimeLimit, err)
			}
			node.TimeLimitSeconds = int64(limit / time.Second)
		}
		def.Nodes = append(def.Nodes, node)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Apply 把文件里面的定义按 code 写入 store，返回写入的定义
func Apply(ctx context.Context, store workflow.DefinitionStore, files []*File) ([]*workflow.WorkflowDefinition, error) {
	saved := make([]*workflow.WorkflowDefinition, 0)
	for _, f := range files {
		for i := range f.Definitions {
			def, err := f.Definitions[i].ToWorkflowDefinition()
			if err != nil {
				return saved, errors.WithMessagef(err, "file %s", f.SourceFile)
			}
			def, err = store.SaveDefinition(ctx, def)
			if err != nil {
				return saved, errors.WithMessagef(err, "file %s save %s failed", f.SourceFile, f.Definitions[i].Code)
			}
			saved = append(saved, def)
		}
	}
	return saved, nil
}
