package providers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

// FamilyBuilder constructs an adapter for one wire family.
type FamilyBuilder func(spec Spec, client *http.Client) (Adapter, error)

var (
	familyMu        sync.RWMutex
	families        = map[string]FamilyBuilder{}
	registrationErr error
)

func RegisterFamily(name string, build FamilyBuilder) {
	name = NormalizeName(name)
	familyMu.Lock()
	defer familyMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: family name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: family %q build func is required", name))
		return
	}
	families[name] = build
}

func SupportedFamilies() []string {
	familyMu.RLock()
	defer familyMu.RUnlock()
	out := make([]string, 0, len(families))
	for name := range families {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// BuildAdapter resolves spec.Family and constructs its adapter.
func BuildAdapter(spec Spec, client *http.Client) (Adapter, error) {
	familyMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		familyMu.RUnlock()
		return nil, err
	}
	build, ok := families[NormalizeName(spec.Family)]
	familyMu.RUnlock()
	if !ok {
		return nil, goerr.Wrap(ErrUnknownFamily, "build adapter",
			goerr.V("provider", spec.Name),
			goerr.V("family", spec.Family),
			goerr.V("supported", strings.Join(SupportedFamilies(), ",")))
	}
	return build(spec, client)
}
