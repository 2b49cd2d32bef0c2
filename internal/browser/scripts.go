package browser

import (
	"encoding/json"
	"strings"
)

// Page scripts evaluated by the dom, snapshot and js commands. Each returns a
// JSON value; element scripts report {found:false} when nothing matches.

const findElementJS = `function __find(ref, selector) {
  if (ref) {
    const byRef = document.querySelector('[data-mcp-ref="' + CSS.escape(ref) + '"]');
    if (byRef) return byRef;
  }
  const sel = selector || ref;
  if (!sel) return null;
  try { return document.querySelector(sel); } catch (e) { return null; }
}`

func elementScript(ref, selector, body string) string {
	return `(() => { ` + findElementJS + `
  const el = __find(` + jsString(ref) + `, ` + jsString(selector) + `);
  if (!el) return { found: false };
  el.scrollIntoView({ block: 'center', inline: 'center' });
  ` + body + `
  return { found: true, tag: el.tagName.toLowerCase() };
})()`
}

func clickScript(ref, selector string) string {
	return elementScript(ref, selector, `el.click();`)
}

func hoverScript(ref, selector string) string {
	return elementScript(ref, selector, `for (const type of ['pointerover', 'mouseover', 'mouseenter', 'mousemove']) {
    el.dispatchEvent(new MouseEvent(type, { bubbles: true, cancelable: true, view: window }));
  }`)
}

func typeScript(ref, selector, text string, submit bool) string {
	body := `el.focus();
  if ('value' in el) { el.value = ` + jsString(text) + `; } else { el.textContent = ` + jsString(text) + `; }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));`
	if submit {
		body += `
  el.dispatchEvent(new KeyboardEvent('keydown', { key: 'Enter', code: 'Enter', bubbles: true }));
  if (el.form) { el.form.requestSubmit ? el.form.requestSubmit() : el.form.submit(); }`
	}
	return elementScript(ref, selector, body)
}

func selectScript(ref, selector string, values []string) string {
	raw, _ := json.Marshal(values)
	return elementScript(ref, selector, `const wanted = `+string(raw)+`;
  if (el.tagName.toLowerCase() !== 'select') return { found: true, error: 'element is not a select' };
  for (const opt of el.options) { opt.selected = wanted.includes(opt.value) || wanted.includes(opt.text); }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));`)
}

// snapshotScript builds a text outline of interactive and landmark elements,
// tagging each with a data-mcp-ref so later dom commands can target it.
const snapshotScript = `(() => {
  let counter = 0;
  const lines = [];
  const interesting = 'a,button,input,select,textarea,[role],h1,h2,h3,h4,label,summary';
  const walk = (node, depth) => {
    for (const el of node.children) {
      const style = window.getComputedStyle(el);
      if (style.display === 'none' || style.visibility === 'hidden') continue;
      let next = depth;
      if (el.matches(interesting)) {
        let ref = el.getAttribute('data-mcp-ref');
        if (!ref) { ref = 'e' + (++counter); el.setAttribute('data-mcp-ref', ref); }
        const role = el.getAttribute('role') || el.tagName.toLowerCase();
        const name = (el.getAttribute('aria-label') || el.innerText || el.value || el.placeholder || '').trim().slice(0, 80);
        lines.push('  '.repeat(depth) + '- ' + role + (name ? ' "' + name.replace(/\s+/g, ' ') + '"' : '') + ' [ref=' + ref + ']');
        next = depth + 1;
      }
      walk(el, next);
    }
  };
  if (document.body) walk(document.body, 0);
  return { title: document.title, url: location.href, outline: lines.join('\n') };
})()`

// userScript turns caller code into an expression. Code containing a return
// statement is treated as an async function body.
func userScript(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.Contains(trimmed, "return") {
		return "(async () => { " + trimmed + "\n})()"
	}
	return "(" + strings.TrimSuffix(trimmed, ";") + ")"
}

func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
