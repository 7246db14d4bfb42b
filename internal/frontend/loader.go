package frontend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/flowc/internal/ir"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult holds the flows built from a directory.
type LoadResult struct {
	Value     cue.Value
	FileCount int

	// Flows lists every declared flow in declaration order. Graphs holds
	// the ones that built without errors.
	Flows  []string
	Graphs map[string]*ir.Graph
}

// Graph returns the named flow's graph.
func (r *LoadResult) Graph(flow string) (*ir.Graph, bool) {
	g, ok := r.Graphs[flow]
	return g, ok
}

// LoadDir loads the CUE package in dir and builds every flow it declares.
func LoadDir(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("flow directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing flow directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Validate(); err != nil {
		be := formatCUEError("cue", err)
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %s", be.Message), Pos: be.Pos}}
	}

	result := &LoadResult{
		Value:     value,
		FileCount: len(cueFiles),
		Graphs:    make(map[string]*ir.Graph),
	}
	flows, err := Flows(value)
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating flows: %v", err)}}
	}
	if len(flows) == 0 {
		return result, []error{&LoadError{Code: ErrCodeNoFlows, Message: fmt.Sprintf("no flows found in %s", dir)}}
	}
	result.Flows = flows

	var errs []error
	seen := make(map[string]bool)
	for _, flow := range flows {
		g, err := Build(value, flow)
		if err == nil {
			result.Graphs[flow] = g
			continue
		}
		// Types and parts are shared, so their errors repeat per flow.
		for _, le := range toLoadErrors(err) {
			if seen[le.Error()] {
				continue
			}
			seen[le.Error()] = true
			errs = append(errs, le)
			if mode == LoadModeFailFast {
				return result, errs
			}
		}
	}
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func toLoadErrors(err error) []*LoadError {
	var list []error
	var merr *multierror.Error
	if errors.As(err, &merr) {
		list = merr.Errors
	} else {
		list = []error{err}
	}
	out := make([]*LoadError, 0, len(list))
	for _, e := range list {
		var be *BuildError
		if errors.As(e, &be) {
			out = append(out, &LoadError{Code: be.Code(), Message: be.Field + ": " + be.Message, Pos: be.Pos})
			continue
		}
		out = append(out, &LoadError{Code: ErrCodeGeneric, Message: e.Error()})
	}
	return out
}
