package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/utilitywarehouse/git-backup/internal/utils"
	"github.com/utilitywarehouse/git-backup/vcs"
)

// writeInfoRefs rewrites info/refs of the mirror so it can be served to
// dumb http clients. Format matches `git update-server-info`.
func writeInfoRefs(ctx context.Context, b vcs.Backend, h vcs.Handle) error {
	refs, err := b.ListRefs(ctx, h)
	if err != nil {
		return fmt.Errorf("unable to list refs for info/refs err:%w", err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

	var sb strings.Builder
	for _, r := range refs {
		sb.WriteString(r.Target)
		sb.WriteByte('\t')
		sb.WriteString(r.Name)
		sb.WriteByte('\n')
	}

	dir := filepath.Join(h.Path(), "info")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("unable to create info dir err:%w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, "refs"), []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("unable to write info/refs err:%w", err)
	}
	return nil
}
