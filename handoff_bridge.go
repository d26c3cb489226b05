package otpauth

import (
	"errors"
	"html/template"
	"io"
)

// The message is posted with the exact destination origin as targetOrigin,
// never "*". html/template JSON-encodes both values for the script context.
var handoffBridgeTemplate = template.Must(template.New("handoff").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="referrer" content="no-referrer">
<title>Signing in</title>
</head>
<body>
<script>
(function () {
  var message = {{.Message}};
  var target = window.opener || (window.parent !== window ? window.parent : null);
  if (target) {
    target.postMessage(message, {{.Origin}});
  }
  window.close();
})();
</script>
</body>
</html>
`))

// RenderHandoffBridge writes the page that delivers grant to the window that
// opened or embeds the sign-in page. Callers should serve it with
// Cache-Control: no-store.
func RenderHandoffBridge(w io.Writer, grant *HandoffGrant) error {
	if grant == nil || grant.Token == "" || grant.Origin == "" {
		return errors.New("otpauth: incomplete handoff grant")
	}
	return handoffBridgeTemplate.Execute(w, grant)
}
