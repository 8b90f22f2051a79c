package secrets

import (
	"context"
	"strings"

	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// ScopedKeys lists the vault keys tried for name, most specific first:
// account/org/project/name, account/org/name, account/name, name.
func ScopedKeys(amb ambiance.Ambiance, name string) []string {
	acc, org, proj := amb.AccountID(), amb.OrgIdentifier(), amb.ProjectIdentifier()

	keys := make([]string, 0, 4)
	if acc != "" && org != "" && proj != "" {
		keys = append(keys, strings.Join([]string{acc, org, proj, name}, "/"))
	}
	if acc != "" && org != "" {
		keys = append(keys, strings.Join([]string{acc, org, name}, "/"))
	}
	if acc != "" {
		keys = append(keys, acc+"/"+name)
	}
	return append(keys, name)
}

// ResolveScoped resolves name in the narrowest scope of amb that defines it.
func ResolveScoped(ctx context.Context, v Vault, amb ambiance.Ambiance, name string) ([]byte, error) {
	for _, key := range ScopedKeys(amb, name) {
		val, err := v.Resolve(ctx, key)
		if err == nil {
			return val, nil
		}
		if !schema.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found in any scope", name)
}
