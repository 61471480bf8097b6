package server

import (
	"html/template"
	"net/http"
	"net/url"

	"portierd/broker"
)

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Redirecting</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

type formField struct {
	Name  string
	Value string
}

// respondToRelier hands fields back to the relying party in the response
// mode the original request asked for: an auto-submitting POST form, or a
// redirect carrying the fields in the URL fragment.
func (a *App) respondToRelier(w http.ResponseWriter, r *http.Request, data broker.SessionData, fields []formField) {
	switch data.ResponseMode {
	case "fragment":
		values := url.Values{}
		for _, field := range fields {
			values.Set(field.Name, field.Value)
		}
		http.Redirect(w, r, data.RedirectURI+"#"+values.Encode(), http.StatusSeeOther)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		err := formPostTemplate.Execute(w, map[string]any{
			"Action": data.RedirectURI,
			"Fields": fields,
		})
		if err != nil {
			a.Logger.Error("render form_post page failed", "error", err)
		}
	}
}

// Served on a bare GET /callback: providers using the fragment response mode
// land here, and the fragment only exists client-side. The page re-submits
// the fragment parameters as a regular POST.
const fragmentBouncePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Completing sign-in</title></head>
<body>
<noscript>JavaScript is required to complete this sign-in.</noscript>
<script>
(function() {
  var hash = location.hash.replace(/^#/, "");
  if (!hash) {
    document.body.textContent = "Missing credentials in callback.";
    return;
  }
  var form = document.createElement("form");
  form.method = "post";
  form.action = "/callback";
  new URLSearchParams(hash).forEach(function(value, name) {
    var input = document.createElement("input");
    input.type = "hidden";
    input.name = name;
    input.value = value;
    form.appendChild(input);
  });
  document.body.appendChild(form);
  form.submit();
})();
</script>
</body>
</html>
`

func (a *App) serveFragmentBounce(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Write([]byte(fragmentBouncePage))
}
