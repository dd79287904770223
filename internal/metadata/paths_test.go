package metadata

import (
	"reflect"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"classes/A.cls", "classes/A.cls", true},
		{"classes/A.cls-meta.xml", "classes/A.cls", true},
		{"./objects/Account.object", "objects/Account.object", true},
		{"aura/Foo/Foo.cmp", "aura/Foo", true},
		{"aura/Foo/Foo.js", "aura/Foo", true},
		{"aura/Foo.cmp-meta.xml", "aura/Foo", true},
		{"lwc/bar/bar.js-meta.xml", "lwc/bar", true},
		{"experiences/Site1.site-meta.xml", "experiences/Site1", true},
		{"package.xml", "", false},
		{"destructiveChangesPost.xml", "", false},
		{"../outside.cls", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizePath(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNormalizePaths_Dedupes(t *testing.T) {
	got := NormalizePaths([]string{
		"aura/Foo/Foo.js",
		"classes/A.cls-meta.xml",
		"aura/Foo.cmp-meta.xml",
		"classes/A.cls",
		"package.xml",
	})
	want := []string{"aura/Foo", "classes/A.cls"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizePaths() = %v, want %v", got, want)
	}
}

func TestPathTouches(t *testing.T) {
	if !PathTouches("aura/Foo", "aura/Foo") {
		t.Error("exact match should touch")
	}
	if !PathTouches("aura/Foo", "aura/Foo/Foo.js") {
		t.Error("file below the bundle should touch")
	}
	if PathTouches("aura/Foo", "aura/FooBar") {
		t.Error("sibling with common prefix should not touch")
	}
}

func TestComponentName(t *testing.T) {
	tests := map[string]string{
		"classes/A.cls":                         "A",
		"objects/Account.object":                "Account",
		"layouts/Account-Account Layout.layout": "Account-Account Layout",
		"reports/Sales/Pipeline.report":         "Sales/Pipeline",
		"reports/Sales":                         "Sales",
	}
	for in, want := range tests {
		if got := componentName(in); got != want {
			t.Errorf("componentName(%q) = %q, want %q", in, got, want)
		}
	}
}
