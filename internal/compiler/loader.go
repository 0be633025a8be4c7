// Package compiler turns CUE manifests into the engine's runtime
// artifacts: concept interface declarations and compiled rules with
// interned variables. Guards are Go functions; manifests reference them
// by name and loading resolves the names against a GuardTable.
package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/weftworks/weft/internal/rule"
)

// LoadMode controls how errors are handled during manifest loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Manifest is the compiled content of a manifest directory.
type Manifest struct {
	Concepts []*ConceptSpec
	Rules    []*rule.Rule

	// CUEValue is the unified value the manifests built, kept for
	// callers that want to inspect beyond the compiled forms.
	CUEValue cue.Value

	// FileCount is the number of .cue files found.
	FileCount int
}

// Concept returns the declared concept spec by name.
func (m *Manifest) Concept(name string) (*ConceptSpec, bool) {
	for _, spec := range m.Concepts {
		if spec.Name == name {
			return spec, true
		}
	}
	return nil, false
}

// RuleRegistry registers the manifest's rules, in manifest order, into a
// fresh registry. Registration re-checks rule structure, so a manifest
// that loaded with errors ignored can still fail here.
func (m *Manifest) RuleRegistry() (*rule.Registry, error) {
	reg := rule.NewRegistry()
	for _, r := range m.Rules {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadError represents an error that occurred during manifest loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Loader error code constants.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
)

// LoadDir loads and compiles the CUE manifests in a directory. Files
// unify into a single value before compilation, so a concept and the
// rules that reference it may live in separate files.
//
// Guard names in rules resolve against guards; compile errors carry
// *CompileError with source positions. If mode is LoadModeFailFast the
// first error returns immediately, otherwise all errors are collected.
func LoadDir(dir string, guards GuardTable, mode LoadMode) (*Manifest, []error) {
	var errs []error

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("manifest directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing manifest directory: %v", err)}}
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
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	unified := ctx.BuildInstance(inst)
	if err := unified.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	manifest := &Manifest{
		CUEValue:  unified,
		FileCount: len(cueFiles),
	}

	conceptsVal := unified.LookupPath(cue.ParsePath("concept"))
	if conceptsVal.Exists() {
		iter, iterErr := conceptsVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating concepts: %v", iterErr)})
			if mode == LoadModeFailFast {
				return manifest, errs
			}
		} else {
			for iter.Next() {
				spec, compileErr := CompileConcept(iter.Value())
				if compileErr != nil {
					errs = append(errs, compileErr)
					if mode == LoadModeFailFast {
						return manifest, errs
					}
					continue
				}
				manifest.Concepts = append(manifest.Concepts, spec)
			}
		}
	}

	rulesVal := unified.LookupPath(cue.ParsePath("rule"))
	if rulesVal.Exists() {
		iter, iterErr := rulesVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating rules: %v", iterErr)})
			if mode == LoadModeFailFast {
				return manifest, errs
			}
		} else {
			for iter.Next() {
				r, compileErr := CompileRule(iter.Value(), guards)
				if compileErr != nil {
					errs = append(errs, compileErr)
					if mode == LoadModeFailFast {
						return manifest, errs
					}
					continue
				}
				manifest.Rules = append(manifest.Rules, r)
			}
		}
	}

	if len(manifest.Concepts) == 0 && len(manifest.Rules) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no concepts or rules found in manifests"})
	}

	return manifest, errs
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
