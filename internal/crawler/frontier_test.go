package crawler

import (
	"fmt"
	"net/url"
	"sync"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestFrontierSeedsRoot(t *testing.T) {
	f := NewFrontier(mustParse(t, "https://shop.example.com/"), FrontierOptions{})

	u, ok := f.Next()
	if !ok || u.String() != "https://shop.example.com/" {
		t.Fatalf("expected seeded root, got %v %v", u, ok)
	}
	if _, ok := f.Next(); ok {
		t.Fatal("expected empty queue after root")
	}
}

func TestFrontierAdmitsEachURLOnce(t *testing.T) {
	root := mustParse(t, "https://shop.example.com/")
	f := NewFrontier(root, FrontierOptions{})
	f.Next()

	if !f.Admit("/products/a", root) {
		t.Fatal("first admit rejected")
	}
	if f.Admit("/products/a", root) {
		t.Fatal("duplicate admitted")
	}
	if f.Admit("/products/a#reviews", root) {
		t.Fatal("fragment variant admitted as new URL")
	}
	if f.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", f.Pending())
	}
}

func TestFrontierConcurrentAdmitIsExactlyOnce(t *testing.T) {
	root := mustParse(t, "https://shop.example.com/")
	f := NewFrontier(root, FrontierOptions{})
	f.Next()

	const workers = 16
	const urls = 50

	var wg sync.WaitGroup
	admitted := make(chan string, workers*urls)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < urls; i++ {
				raw := fmt.Sprintf("/products/%d", i)
				if f.Admit(raw, root) {
					admitted <- raw
				}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	seen := make(map[string]int)
	for raw := range admitted {
		seen[raw]++
	}
	if len(seen) != urls {
		t.Fatalf("expected %d distinct admissions, got %d", urls, len(seen))
	}
	for raw, n := range seen {
		if n != 1 {
			t.Fatalf("url %s admitted %d times", raw, n)
		}
	}
	if f.Pending() != urls {
		t.Fatalf("expected %d pending, got %d", urls, f.Pending())
	}
}

func TestFrontierScoping(t *testing.T) {
	root := mustParse(t, "https://shop.example.com/")

	cases := []struct {
		name string
		opts FrontierOptions
		raw  string
		want bool
	}{
		{"same domain", FrontierOptions{}, "https://shop.example.com/a", true},
		{"other domain", FrontierOptions{}, "https://other.example.com/a", false},
		{"subdomain rejected by default", FrontierOptions{}, "https://blog.shop.example.com/a", false},
		{"subdomain allowed when enabled", FrontierOptions{IncludeSubdomains: true}, "https://blog.shop.example.com/a", true},
		{"non-http scheme", FrontierOptions{}, "ftp://shop.example.com/a", false},
		{"javascript link", FrontierOptions{}, "javascript:void(0)", false},
		{"mailto link", FrontierOptions{}, "mailto:sales@shop.example.com", false},
		{"pdf asset", FrontierOptions{}, "/catalogue.pdf", false},
		{"image asset", FrontierOptions{}, "/img/banner.jpg", false},
		{"ignored substring", FrontierOptions{IgnoreURLsWith: "add-to-cart"}, "/shop?add-to-cart=4", false},
		{"ignored exact link", FrontierOptions{IgnoreLinks: []string{"https://shop.example.com/blog"}}, "/blog", false},
		{"relative product link", FrontierOptions{}, "producto/azul", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFrontier(root, tc.opts)
			f.Next()
			if got := f.Admit(tc.raw, root); got != tc.want {
				t.Fatalf("Admit(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestFrontierResolvesRelativeAgainstBase(t *testing.T) {
	root := mustParse(t, "https://shop.example.com/")
	f := NewFrontier(root, FrontierOptions{})
	f.Next()

	base := mustParse(t, "https://shop.example.com/category/lamps/")
	if !f.Admit("floor-lamp", base) {
		t.Fatal("relative link rejected")
	}
	u, ok := f.Next()
	if !ok || u.String() != "https://shop.example.com/category/lamps/floor-lamp" {
		t.Fatalf("unexpected resolution: %v", u)
	}
}
