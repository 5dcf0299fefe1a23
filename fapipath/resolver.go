// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fapipath implements the FAPI path resolver (spec.md C1): it
// canonicalizes logical paths, expands hierarchy prefixes, and maps NV
// path prefixes onto TPM NV-index ranges.
package fapipath

import (
	"fmt"
	"strings"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
)

// Hierarchy is the canonical hierarchy tag set. The original C resolver
// tested "HP" twice and never tested "HP" and "HN" unambiguously; per
// spec.md's Open Questions this core treats the following five tags as
// the complete, canonical set and rejects anything else.
type Hierarchy string

const (
	HierarchyStorage     Hierarchy = "HS"
	HierarchyEndorsement Hierarchy = "HE"
	HierarchyPlatform    Hierarchy = "HP"
	HierarchyNull        Hierarchy = "HN"
	HierarchyLockout     Hierarchy = "LOCKOUT"
)

var canonicalHierarchies = map[Hierarchy]bool{
	HierarchyStorage:     true,
	HierarchyEndorsement: true,
	HierarchyPlatform:    true,
	HierarchyNull:        true,
	HierarchyLockout:     true,
}

// NVCategory identifies the NV-index base address range a /nv/<category>
// path segment resolves to.
type NVCategory string

const (
	NVCategoryTPM          NVCategory = "TPM"
	NVCategoryPlatform     NVCategory = "Platform"
	NVCategoryOwner        NVCategory = "Owner"
	NVCategoryEKCert       NVCategory = "EK-Cert"
	NVCategoryPlatformCert NVCategory = "Platform-Cert"
	NVCategoryComponentOEM NVCategory = "Component-OEM"
	NVCategoryTPMOEM       NVCategory = "TPM-OEM"
)

// nvBase maps each registered NV category to its base address, per the
// TCG-registered NV index ranges spec.md #4.2 enumerates.
var nvBase = map[NVCategory]uint32{
	NVCategoryTPM:          0x01000000,
	NVCategoryPlatform:     0x01400000,
	NVCategoryOwner:        0x01800000,
	NVCategoryEKCert:       0x01c00000,
	NVCategoryPlatformCert: 0x01c08000,
	NVCategoryComponentOEM: 0x01c10000,
	NVCategoryTPMOEM:       0x01c40000,
}

// NVBase returns the TPM NV-index base address for category, or
// (0, false) if category is unregistered.
func NVBase(category NVCategory) (uint32, bool) {
	v, ok := nvBase[category]
	return v, ok
}

// Path is a resolved, ordered path: the profile it was resolved under,
// optionally a hierarchy, and the remaining user-chosen segments.
type Path struct {
	Profile   string
	Hierarchy Hierarchy
	// IsNV is true for paths rooted at /nv/<category>/...
	IsNV     bool
	Category NVCategory
	// IsPolicy is true for paths containing a "policy" segment; such
	// paths use "." as their on-disk delimiter instead of "/".
	IsPolicy bool
	Segments []string
}

// defaultProfilePrefix marks a leading P_<profile> segment; a path
// without one resolves under the caller's default profile.
const defaultProfilePrefix = "P_"

// split mirrors the source's split_string: split on "/", dropping empty
// segments produced by doubled separators.
func split(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Canonicalize strips a trailing separator, ensures exactly one leading
// separator, collapses doubled separators, and is idempotent: Canonicalize(Canonicalize(p)) == Canonicalize(p).
func Canonicalize(p string) string {
	segs := split(p)
	return "/" + strings.Join(segs, "/")
}

// StripRoot strips whichever of userDir/systemDir prefixes the on-disk
// absolute path p, longest match first. This resolves the copy/paste bug
// spec.md's Design Notes flags in the original canonicalizer (it tested
// the user directory twice instead of once against the system directory).
func StripRoot(p, userDir, systemDir string) string {
	candidates := []string{userDir, systemDir}
	if len(candidates[0]) < len(candidates[1]) {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	for _, root := range candidates {
		if root == "" {
			continue
		}
		if strings.HasPrefix(p, root) {
			return Canonicalize(strings.TrimPrefix(p, root))
		}
	}
	return Canonicalize(p)
}

// Resolve splits a logical path into a Path, expanding the implicit
// default profile and hierarchy aliases (EK -> HE, SRK/SDK/UNK/UDK -> HS).
func Resolve(raw, defaultProfile string) (*Path, error) {
	if raw == "" {
		return nil, code.New(code.BadReference, "fapipath.Resolve", "empty path")
	}

	segs := split(raw)
	if len(segs) == 0 {
		return nil, code.New(code.BadPath, "fapipath.Resolve", "path has no segments")
	}

	profile := defaultProfile
	if strings.HasPrefix(segs[0], defaultProfilePrefix) {
		profile = segs[0]
		segs = segs[1:]
	}
	if profile == "" {
		return nil, code.New(code.BadPath, "fapipath.Resolve", "no profile and no default profile configured")
	}
	if len(segs) == 0 {
		return nil, code.New(code.BadPath, "fapipath.Resolve", "path has no segments after profile")
	}

	p := &Path{Profile: profile}

	if segs[0] == "nv" {
		if len(segs) < 2 {
			return nil, code.New(code.BadPath, "fapipath.Resolve", "nv path missing category")
		}
		cat := NVCategory(segs[1])
		if _, ok := nvBase[cat]; !ok {
			return nil, code.Wrap(code.BadPath, "fapipath.Resolve", fmt.Errorf("unknown nv category %q", segs[1]))
		}
		p.IsNV = true
		p.Category = cat
		p.Segments = segs[2:]
		for _, s := range p.Segments {
			if s == "policy" {
				p.IsPolicy = true
			}
		}
		return p, nil
	}

	h := normalizeHierarchyAlias(segs[0])
	if h != "" {
		if !canonicalHierarchies[h] {
			return nil, code.Wrap(code.BadPath, "fapipath.Resolve", fmt.Errorf("unknown hierarchy %q", segs[0]))
		}
		p.Hierarchy = h
		p.Segments = segs[1:]
	} else if len(segs[0]) == 2 && (segs[0][0] == 'H' || segs[0][0] == 'h') {
		// Shaped like a hierarchy tag (H?) but not one of the canonical set.
		return nil, code.Wrap(code.BadPath, "fapipath.Resolve", fmt.Errorf("unknown hierarchy %q", segs[0]))
	} else {
		// Not a recognized hierarchy alias; treat the whole remainder
		// (including segs[0]) as user-chosen segments under the
		// profile's implicit root. policy/ sub-paths use "." on disk.
		p.Segments = segs
	}

	for _, s := range p.Segments {
		if s == "policy" {
			p.IsPolicy = true
		}
	}
	return p, nil
}

// normalizeHierarchyAlias maps the first path segment onto a canonical
// Hierarchy tag. EK implies HE; SRK/SDK/UNK/UDK imply HS. Hierarchy tags
// are case-insensitive; user-chosen segments are not, so this only folds
// case for the small fixed alias set.
func normalizeHierarchyAlias(seg string) Hierarchy {
	switch strings.ToUpper(seg) {
	case "EK":
		return HierarchyEndorsement
	case "SRK", "SDK", "UNK", "UDK":
		return HierarchyStorage
	case string(HierarchyStorage), string(HierarchyEndorsement), string(HierarchyPlatform), string(HierarchyNull), string(HierarchyLockout):
		return Hierarchy(strings.ToUpper(seg))
	default:
		return ""
	}
}

// String renders p back into its canonical slash-delimited form (or
// dot-delimited for policy paths, per spec.md #4.2).
func (p *Path) String() string {
	sep := "/"
	if p.IsPolicy {
		sep = "."
	}
	segs := append([]string{}, p.Segments...)
	prefix := p.Profile
	if p.IsNV {
		return prefix + "/nv/" + string(p.Category) + "/" + strings.Join(segs, sep)
	}
	if p.Hierarchy != "" {
		return prefix + "/" + string(p.Hierarchy) + "/" + strings.Join(segs, sep)
	}
	return prefix + "/" + strings.Join(segs, sep)
}

// Length returns the number of user-chosen segments (path_length).
func (p *Path) Length() int { return len(p.Segments) }

// Prefix returns the canonical path string built from the first n
// segments (path_string_n), used by the key-chain loader to materialize
// each ancestor's own path.
func (p *Path) Prefix(n int) string {
	if n < 0 {
		n = 0
	}
	if n > len(p.Segments) {
		n = len(p.Segments)
	}
	q := *p
	q.Segments = p.Segments[:n]
	return q.String()
}
