package textproc_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/textproc"
)

func TestExtractHTMLText(t *testing.T) {
	html := `<html><head><title>Unit 4</title><style>p{color:red}</style></head>
<body><nav>Home | Courses</nav><h1>Lab Safety</h1><p>Wear goggles.</p><p>No food.</p>
<script>alert("x")</script></body></html>`

	text, err := textproc.ExtractHTMLText(html)
	gt.NoError(t, err)
	gt.S(t, text).Contains("Lab Safety")
	gt.S(t, text).Contains("Wear goggles.")
	gt.S(t, text).Contains("No food.")
	gt.S(t, text).NotContains("alert")
	gt.S(t, text).NotContains("Courses")
	gt.S(t, text).NotContains("color:red")

	gt.Equal(t, textproc.ExtractHTMLTitle(html), "Unit 4")
}
