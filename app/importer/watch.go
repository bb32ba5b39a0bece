package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Changes gets updates channel. Manifests under root are checked every interval, each package with changed
// modification time is re-imported and the result is sent to the channel. A change is picked only if it is at least
// interval/2 old, to skip intermediate saves. The channel is closed when ctx is done.
func (im *Importer) Changes(ctx context.Context, root string, interval time.Duration) (<-chan Result, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("can't watch packages dir %s: %w", root, err)
	}
	ch := make(chan Result)
	seen := mtimes(root)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for dir, m := range mtimes(root) {
					if prev, ok := seen[dir]; ok && prev.Equal(m) {
						continue
					}
					if time.Since(m) < interval/2 {
						continue // still being edited
					}
					seen[dir] = m
					res, err := im.Import(ctx, dir)
					if err != nil {
						log.Printf("[WARN] can't re-import package %s, %v", dir, err)
						continue
					}
					select {
					case ch <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// mtimes returns modification time of every manifest under root, keyed by package directory
func mtimes(root string) map[string]time.Time {
	res := map[string]time.Time{}
	entries, err := os.ReadDir(root)
	if err != nil {
		log.Printf("[WARN] can't read packages dir %s, %v", root, err)
		return res
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		st, err := os.Stat(filepath.Join(dir, ManifestFile))
		if err != nil {
			continue
		}
		res[dir] = st.ModTime()
	}
	return res
}
