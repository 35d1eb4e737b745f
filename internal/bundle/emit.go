package bundle

import (
	"fmt"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/resolve"
)

// Emit writes every artifact of out into fsys. If any write fails the output
// directory is emptied again so no partial build is left behind.
func Emit(fsys billy.Filesystem, out *Output) error {
	for _, a := range out.Artifacts {
		if err := writeArtifact(fsys, a); err != nil {
			if cleanupErr := resolve.Clear(fsys); cleanupErr != nil {
				err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
			}
			return builderr.Build("", err)
		}
	}
	return nil
}

func writeArtifact(fsys billy.Filesystem, a Artifact) error {
	if dir := path.Dir(a.Path); dir != "." {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := util.WriteFile(fsys, a.Path, a.Contents, 0644); err != nil {
		return fmt.Errorf("write %s: %w", a.Path, err)
	}
	return nil
}
