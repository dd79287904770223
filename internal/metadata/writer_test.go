package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func body(t *testing.T, typ, name string, files map[string]string) Body {
	t.Helper()
	raw := make(map[string][]byte, len(files))
	for k, v := range files {
		raw[k] = []byte(v)
	}
	data, err := Zip(raw)
	if err != nil {
		t.Fatal(err)
	}
	return Body{Type: typ, Name: name, Zip: data}
}

func fieldWrapper(name, label string) string {
	return `<CustomObject ` + ns + `><fields><fullName>` + name + `</fullName><label>` + label + `</label></fields></CustomObject>`
}

func TestWrite_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"classes/A.cls":          "public class A {}",
		"classes/A.cls-meta.xml": "<ApexClass " + ns + "/>",
		"aura/Foo/Foo.cmp":       "<aura:component/>",
		"aura/Foo/Foo.js":        "({})",
		"aura/Foo.cmp-meta.xml":  "<AuraDefinitionBundle " + ns + "/>",
	})
	paths := []string{"classes/A.cls", "aura/Foo"}
	ctx := context.Background()

	comps, err := Parse(ctx, src, paths, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var bodies []Body
	for _, c := range comps {
		data, err := c.Zip()
		if err != nil {
			t.Fatal(err)
		}
		bodies = append(bodies, Body{Type: c.Type, Name: c.Name, Zip: data})
	}

	dst := t.TempDir()
	if err := NewWriter(dst, testLogger()).Write(ctx, bodies, false); err != nil {
		t.Fatal(err)
	}

	again, err := Parse(ctx, dst, paths, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(comps) {
		t.Fatalf("expected %d components, got %d", len(comps), len(again))
	}
	for _, c := range comps {
		got := findComponent(again, c.Type, c.Name)
		if got == nil {
			t.Errorf("%s %s missing after round trip", c.Type, c.Name)
			continue
		}
		if got.Fingerprint != c.Fingerprint {
			t.Errorf("%s %s fingerprint changed: %s != %s", c.Type, c.Name, got.Fingerprint, c.Fingerprint)
		}
	}
}

func TestWrite_ReplacesBundleDirectory(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"aura/Foo/Foo.cmp":   "old",
		"aura/Foo/Stale.css": "stale",
	})
	b := body(t, "AuraDefinitionBundle", "Foo", map[string]string{
		"aura/Foo/Foo.cmp":      "new",
		"aura/Foo.cmp-meta.xml": "<AuraDefinitionBundle " + ns + "/>",
	})
	if err := NewWriter(dst, testLogger()).Write(context.Background(), []Body{b}, false); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, dst, "aura/Foo/Foo.cmp"); got != "new" {
		t.Errorf("Foo.cmp = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dst, "aura/Foo/Stale.css")); !os.IsNotExist(err) {
		t.Error("stale bundle file should be removed")
	}
}

func TestWrite_ChildIdempotent(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"objects/Acct.object": `<?xml version="1.0" encoding="UTF-8"?>
<CustomObject ` + ns + `>
    <fields><fullName>A</fullName><label>Field A</label></fields>
    <label>Account</label>
</CustomObject>`,
	})
	ctx := context.Background()
	w := NewWriter(dst, testLogger())

	for _, label := range []string{"First", "Second"} {
		b := body(t, "CustomField", "Acct.B", map[string]string{"objects/Acct.object": fieldWrapper("B", label)})
		if err := w.Write(ctx, []Body{b}, false); err != nil {
			t.Fatal(err)
		}
	}

	got := readFile(t, dst, "objects/Acct.object")
	if n := strings.Count(got, "<fullName>B</fullName>"); n != 1 {
		t.Errorf("expected exactly one B entry, got %d:\n%s", n, got)
	}
	if !strings.Contains(got, "Second") || strings.Contains(got, "First") {
		t.Errorf("B should hold the latest value:\n%s", got)
	}
	if !strings.Contains(got, "<fullName>A</fullName>") || !strings.Contains(got, "<label>Account</label>") {
		t.Errorf("existing content should be preserved:\n%s", got)
	}
	if strings.Index(got, "<fullName>B</fullName>") > strings.Index(got, "<label>Account</label>") {
		t.Errorf("new field should be grouped with existing fields:\n%s", got)
	}
}

func TestWrite_ChildSeedsMissingParent(t *testing.T) {
	dst := t.TempDir()
	b := body(t, "CustomLabel", "Greeting", map[string]string{
		"labels/CustomLabels.labels": `<CustomLabels ` + ns + `><labels><fullName>Greeting</fullName><value>Hi</value></labels></CustomLabels>`,
	})
	if err := NewWriter(dst, testLogger()).Write(context.Background(), []Body{b}, false); err != nil {
		t.Fatal(err)
	}
	got := readFile(t, dst, "labels/CustomLabels.labels")
	if !strings.Contains(got, "<CustomLabels "+ns+">") || !strings.Contains(got, "<fullName>Greeting</fullName>") {
		t.Errorf("unexpected seeded parent:\n%s", got)
	}
}

func TestWrite_ParentBeforeChild(t *testing.T) {
	dst := t.TempDir()
	child := body(t, "CustomField", "Acct.B", map[string]string{"objects/Acct.object": fieldWrapper("B", "Field B")})
	parent := body(t, "CustomObject", "Acct", map[string]string{
		"objects/Acct.object": `<CustomObject ` + ns + `><label>Account</label></CustomObject>`,
	})

	// child listed first; the parent must still be materialized before it
	if err := NewWriter(dst, testLogger()).Write(context.Background(), []Body{child, parent}, false); err != nil {
		t.Fatal(err)
	}
	got := readFile(t, dst, "objects/Acct.object")
	if !strings.Contains(got, "<label>Account</label>") || !strings.Contains(got, "<fullName>B</fullName>") {
		t.Errorf("expected parent and child content:\n%s", got)
	}
}

func TestWrite_ParentKeepsExistingChildren(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"objects/Acct.object": `<CustomObject ` + ns + `><fields><fullName>A</fullName></fields><label>Old</label></CustomObject>`,
	})
	parent := body(t, "CustomObject", "Acct", map[string]string{
		"objects/Acct.object": `<CustomObject ` + ns + `><label>New</label></CustomObject>`,
	})
	if err := NewWriter(dst, testLogger()).Write(context.Background(), []Body{parent}, false); err != nil {
		t.Fatal(err)
	}
	got := readFile(t, dst, "objects/Acct.object")
	if !strings.Contains(got, "<label>New</label>") || strings.Contains(got, "Old") {
		t.Errorf("parent properties should be replaced:\n%s", got)
	}
	if !strings.Contains(got, "<fullName>A</fullName>") {
		t.Errorf("existing child should survive a parent write:\n%s", got)
	}
}

func TestWrite_InvalidChild(t *testing.T) {
	bad := body(t, "CustomField", "Acct.B", map[string]string{"objects/Acct.object": "not xml"})

	t.Run("fatal without tolerate flag", func(t *testing.T) {
		err := NewWriter(t.TempDir(), testLogger()).Write(context.Background(), []Body{bad}, false)
		if !errors.Is(err, ErrInvalidChildXML) {
			t.Fatalf("expected ErrInvalidChildXML, got %v", err)
		}
	})

	t.Run("skipped with tolerate flag", func(t *testing.T) {
		dst := t.TempDir()
		good := body(t, "CustomField", "Acct.C", map[string]string{"objects/Acct.object": fieldWrapper("C", "Field C")})
		if err := NewWriter(dst, testLogger()).Write(context.Background(), []Body{bad, good}, true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := readFile(t, dst, "objects/Acct.object"); !strings.Contains(got, "<fullName>C</fullName>") {
			t.Errorf("valid child should still be written:\n%s", got)
		}
	})
}

func TestRemove_EmptyParentDeleted(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"labels/CustomLabels.labels": `<CustomLabels ` + ns + `>
    <labels><fullName>Greeting</fullName><value>Hi</value></labels>
    <labels><fullName>Farewell</fullName><value>Bye</value></labels>
</CustomLabels>`,
		"labels/CustomLabels.labels-meta.xml": "<CustomLabels/>",
	})
	ctx := context.Background()
	w := NewWriter(dst, testLogger())

	err := w.Remove(ctx, []Deletion{{Type: "CustomLabel", Name: "Greeting", Path: "labels/CustomLabels.labels"}})
	if err != nil {
		t.Fatal(err)
	}
	got := readFile(t, dst, "labels/CustomLabels.labels")
	if strings.Contains(got, "Greeting") || !strings.Contains(got, "Farewell") {
		t.Errorf("only Greeting should be removed:\n%s", got)
	}

	err = w.Remove(ctx, []Deletion{{Type: "CustomLabel", Name: "Farewell", Path: "labels/CustomLabels.labels"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"labels/CustomLabels.labels", "labels/CustomLabels.labels-meta.xml"} {
		if _, err := os.Stat(filepath.Join(dst, f)); !os.IsNotExist(err) {
			t.Errorf("%s should be deleted with its last child", f)
		}
	}
}

func TestRemove_ChildrenBeforeParents(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"objects/Acct.object": `<CustomObject ` + ns + `><fields><fullName>A</fullName></fields><label>Account</label></CustomObject>`,
	})
	err := NewWriter(dst, testLogger()).Remove(context.Background(), []Deletion{
		{Type: "CustomObject", Name: "Acct", Path: "objects/Acct.object"},
		{Type: "CustomField", Name: "Acct.A", Path: "objects/Acct.object"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "objects/Acct.object")); !os.IsNotExist(err) {
		t.Error("parent should be deleted and not rewritten by the cached child removal")
	}
}

func TestRemove_Bundle(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"aura/Foo/Foo.cmp":      "<aura:component/>",
		"aura/Foo/Foo.js":       "({})",
		"aura/Foo.cmp-meta.xml": "<AuraDefinitionBundle/>",
		"aura/Bar/Bar.cmp":      "<aura:component/>",
	})
	err := NewWriter(dst, testLogger()).Remove(context.Background(), []Deletion{
		{Type: "AuraDefinitionBundle", Name: "Foo", Path: "aura/Foo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"aura/Foo", "aura/Foo.cmp-meta.xml"} {
		if _, err := os.Stat(filepath.Join(dst, f)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", f)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "aura/Bar/Bar.cmp")); err != nil {
		t.Error("other bundles must be left alone")
	}
}

func TestRemove_FileAndSidecar(t *testing.T) {
	dst := t.TempDir()
	writeTree(t, dst, map[string]string{
		"classes/A.cls":          "x",
		"classes/A.cls-meta.xml": "<ApexClass/>",
	})
	err := NewWriter(dst, testLogger()).Remove(context.Background(), []Deletion{
		{Type: "ApexClass", Name: "A", Path: "classes/A.cls"},
		{Type: "ApexClass", Name: "Missing", Path: "classes/Missing.cls"},
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(filepath.Join(dst, "classes"))
	if len(entries) != 0 {
		t.Errorf("expected empty classes dir, got %d entries", len(entries))
	}
}
