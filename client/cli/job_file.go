package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/hpcgate/hpcgate/config"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/params"
)

type parameter struct {
	Name  string      `json:"name" yaml:"name"`
	Type  params.Type `json:"type" yaml:"type"`
	Value string      `json:"value,omitempty" yaml:"value,omitempty"`
}

// jobFile is what "submit -f" and "render -f" read:
//
//	service: echo
//	scheduler: SLURM
//	name: echo
//	workingDir: /scratch/u1/echo
//	executable: /bin/echo
//	inputs:
//	  - {name: greeting, type: string, value: hello}
//	outputs:
//	  - {name: result, type: numeric}
type jobFile struct {
	Service        string `json:"service" yaml:"service"`
	job.JobRequest `yaml:",inline"`
	Inputs         []parameter `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs        []parameter `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

func loadJobFile(fs afero.Fs, path string) (*jobFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading job file %s", path)
	}
	jf := &jobFile{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(jf)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(jf)
	default:
		return nil, fmt.Errorf("job file %s: want a .json, .yaml or .yml extension", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing job file %s", path)
	}
	if jf.Service == "" {
		jf.Service = jf.Name
	}
	return jf, nil
}

// request fills in the configured default scheduler and normalizes its name.
func (jf *jobFile) request(cfg *config.Config) *job.JobRequest {
	req := jf.JobRequest.Clone()
	req.Scheduler = cfg.SchedulerFor(req)
	if t, err := job.ParseSchedulerType(string(req.Scheduler)); err == nil {
		req.Scheduler = t
	}
	return req
}

func (jf *jobFile) inputs() (*params.Context, error) {
	var ps []params.ActualParameter
	for _, in := range jf.Inputs {
		p, err := params.Declare(in.Name, in.Type).Parse(in.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "input %s", in.Name)
		}
		ps = append(ps, p)
	}
	return params.NewContext(ps...)
}

func (jf *jobFile) outputs() (*params.Context, error) {
	var ps []params.ActualParameter
	for _, out := range jf.Outputs {
		ps = append(ps, params.Declare(out.Name, out.Type))
	}
	return params.NewContext(ps...)
}
