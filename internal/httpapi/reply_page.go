package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

const replyPageHTML = `<!doctype html>
<html lang="zh">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Reply</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "PingFang SC", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 16px;
    }

    .shell {
      max-width: 720px;
      margin: 0 auto;
      display: grid;
      gap: 12px;
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
      box-shadow: var(--shadow);
      white-space: pre-wrap;
      line-height: 1.5;
    }

    .label {
      color: var(--muted);
      font-size: 0.8rem;
      margin-bottom: 6px;
    }

    .reply { border-left: 4px solid var(--accent); }

    .status {
      color: var(--muted);
      font-size: 0.85rem;
      text-align: center;
    }
  </style>
</head>
<body>
  <main class="shell">
    <article class="card"><div class="label">Question</div><div id="question">...</div></article>
    <section id="replies"></section>
    <div id="status" class="status">Waiting for the answer...</div>
  </main>

  <script>
    (function () {
      const messageID = "{{MESSAGE_ID}}";
      const dom = {
        question: document.getElementById("question"),
        replies: document.getElementById("replies"),
        status: document.getElementById("status"),
      };
      let attempts = 0;

      function render(data) {
        dom.question.textContent = data.message || "";
        dom.replies.innerHTML = "";
        (data.replies || []).forEach(function (text) {
          const card = document.createElement("article");
          card.className = "card reply";
          card.textContent = text;
          dom.replies.appendChild(card);
        });
      }

      function poll() {
        attempts += 1;
        fetch("/chat/messages/" + messageID, { headers: { Accept: "application/json" } })
          .then(function (resp) { return resp.json(); })
          .then(function (body) {
            if (body.code !== 0) {
              dom.status.textContent = body.message || "Message not found";
              return;
            }
            render(body.data);
            if ((body.data.replies || []).length > 0) {
              dom.status.textContent = "";
              return;
            }
            if (attempts >= 60) {
              dom.status.textContent = "Still working on it. Refresh this page in a minute.";
              return;
            }
            window.setTimeout(poll, 2000);
          })
          .catch(function () {
            window.setTimeout(poll, 3000);
          });
      }

      poll();
    })();
  </script>
</body>
</html>`

func (s *Server) handleReplyPage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeFetchError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Replace(replyPageHTML, "{{MESSAGE_ID}}", strconv.FormatInt(id, 10), 1)))
}
