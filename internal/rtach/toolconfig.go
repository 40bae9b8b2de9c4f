package rtach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// EnsureToolConfig makes sure the external tool settings file allows the
// helper's open and forward commands. Unknown content is preserved. A file
// that does not parse as a JSON object is left untouched.
func (d *Deployer) EnsureToolConfig(ctx context.Context) error {
	rel := d.cfg.ToolConfigPath
	file := d.paths.home(rel)
	out, err := d.exec.Execute(ctx, "cat "+file+" 2>/dev/null")
	if err != nil {
		return fmt.Errorf("read tool config: %w", err)
	}

	root := map[string]any{}
	if strings.TrimSpace(out) != "" {
		dec := json.NewDecoder(strings.NewReader(out))
		dec.UseNumber()
		if err := dec.Decode(&root); err != nil || root == nil {
			d.logger.Warn("tool config is not a JSON object; leaving it alone", "path", rel, "err", err)
			return nil
		}
	}

	changed, err := ensureArrayContains(root, []string{"permissions", "allow"}, d.cfg.ToolPermissions)
	if err != nil {
		d.logger.Warn("tool config has an unexpected shape; leaving it alone", "path", rel, "err", err)
		return nil
	}
	if !changed {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(root); err != nil {
		return err
	}
	tmp := d.paths.home(rel + ".tmp")
	dir := d.paths.home(path.Dir(rel))
	cmd := "mkdir -p " + dir + " && cat > " + tmp + " && mv -f " + tmp + " " + file
	if err := d.exec.ExecuteWithInput(ctx, cmd, buf.Bytes()); err != nil {
		return fmt.Errorf("write tool config: %w", err)
	}
	d.logger.Info("tool config updated", "path", rel)
	return nil
}

// ensureArrayContains walks objects along keys, creating missing ones, and
// appends any of want not already present in the array at the end. It
// refuses to replace a value of the wrong type.
func ensureArrayContains(root map[string]any, keys []string, want []string) (bool, error) {
	obj := root
	for _, k := range keys[:len(keys)-1] {
		v, ok := obj[k]
		if !ok {
			child := map[string]any{}
			obj[k] = child
			obj = child
			continue
		}
		child, ok := v.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%s is %T, not an object", k, v)
		}
		obj = child
	}

	last := keys[len(keys)-1]
	var arr []any
	if v, ok := obj[last]; ok {
		a, ok := v.([]any)
		if !ok {
			return false, fmt.Errorf("%s is %T, not an array", last, v)
		}
		arr = a
	}

	have := make(map[string]bool, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			have[s] = true
		}
	}
	changed := false
	for _, w := range want {
		if !have[w] {
			arr = append(arr, w)
			have[w] = true
			changed = true
		}
	}
	if changed {
		obj[last] = arr
	}
	return changed, nil
}
