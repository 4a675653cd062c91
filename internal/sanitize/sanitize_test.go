package sanitize

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeStripsDangerousTags(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"script with content", `<p>hi</p><script>alert(1)</script><p>bye</p>`, `<p>hi</p><p>bye</p>`},
		{"style block", `<style>body{}</style>ok`, `ok`},
		{"iframe", `<iframe src="http://evil"></iframe>x`, `x`},
		{"svg payload", `<svg><script>alert(1)</script></svg>after`, `after`},
		{"unterminated script drops rest", `<p>a</p><script>alert(1)`, `<p>a</p>`},
		{"template", `<template><img src=x onerror=alert(1)></template>z`, `z`},
		{"noscript", `<noscript><p>n</p></noscript>q`, `q`},
		{"case insensitive", `<SCRIPT>alert(1)</SCRIPT>ok`, `ok`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestSanitizeAttributes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"event handlers dropped", `<p onclick="alert(1)">x</p>`, `<p>x</p>`},
		{"data attrs dropped", `<div data-x="1">x</div>`, `<div>x</div>`},
		{"https href kept", `<a href="https://example.org">x</a>`, `<a href="https://example.org">x</a>`},
		{"mailto kept", `<a href="mailto:a@b.c">x</a>`, `<a href="mailto:a@b.c">x</a>`},
		{"javascript href dropped", `<a href="javascript:alert(1)">x</a>`, `<a>x</a>`},
		{"entity-encoded scheme dropped", `<a href="java&#115;cript:alert(1)">x</a>`, `<a>x</a>`},
		{"whitespace-split scheme dropped", "<a href=\"java\tscript:alert(1)\">x</a>", `<a>x</a>`},
		{"relative href kept", `<a href="/notes/1">x</a>`, `<a href="/notes/1">x</a>`},
		{"colon in query is not a scheme", `<a href="/x?time=12:30">x</a>`, `<a href="/x?time=12:30">x</a>`},
		{"img src http kept", `<img src="http://h/p.png" alt="p">`, `<img src="http://h/p.png" alt="p">`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestSanitizeStyle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"text-decoration kept", `<span style="text-decoration: underline">x</span>`, `<span style="text-decoration: underline">x</span>`},
		{"text-align kept", `<p style="text-align:center">x</p>`, `<p style="text-align: center">x</p>`},
		{"other props dropped", `<p style="position:fixed;text-align:left">x</p>`, `<p style="text-align: left">x</p>`},
		{"all dropped removes attr", `<p style="color:red">x</p>`, `<p>x</p>`},
		{"bad value dropped", `<p style="text-align: url(x)">x</p>`, `<p>x</p>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", `hello world`, `hello world`},
		{"entities canonicalized", `a &lt;b&gt; &amp;c`, `a &lt;b&gt; &amp;c`},
		{"numeric entity decoded", `&#65;`, `A`},
		{"unknown entity escaped", `&unknown;`, `&amp;unknown;`},
		{"lone angle escaped", `1 < 2`, `1 &lt; 2`},
		{"unknown tag unwrapped", `<marquee>x</marquee>`, `x`},
		{"comment dropped", `a<!-- hidden -->b`, `ab`},
		{"doctype dropped", `<!DOCTYPE html><p>x</p>`, `<p>x</p>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		``,
		`plain`,
		`<p>hi <b>bold</b></p>`,
		`<script>alert(1)</script>`,
		`<a href="https://x.y/?a=1&b=2">link</a>`,
		`a &lt;b&gt; &amp;c &unknown; 1 < 2 > 0`,
		`<img src=x onerror=alert(1)>`,
		`<p style="text-align: center">x</p>`,
		`<<>><<!---->`,
		`&#x48;&#105;`,
		strings.Repeat(`<div>&amp;</div>`, 50),
	}
	for i, in := range inputs {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			once := Sanitize(in)
			assert.Equal(t, once, Sanitize(once))
		})
	}
}

func TestEscapeText(t *testing.T) {
	// The attribution footer interpolates untrusted note keys and authors.
	key := `n_<img src=x onerror=alert(1)>`
	footer := "[troparcel:" + EscapeText(key) + " from " + EscapeText(`<b>eve</b>`) + "]"
	assert.Contains(t, footer, "&lt;img")
	assert.NotContains(t, footer, "<img")
	// Sanitizing the footer afterwards must not reintroduce markup.
	assert.NotContains(t, Sanitize(footer), "<img")
}
