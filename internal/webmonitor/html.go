package webmonitor

// indexHTML takes the page title twice.
const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>%s</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; background: #111; color: #ddd; font-family: sans-serif; }
        .app { max-width: 960px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        img { width: 100%%; height: auto; background: #000; }
        pre { background: #1b1b1b; padding: 8px; font-size: 12px; overflow-x: auto; }
        button { padding: 6px 14px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>%s</h1>
            <button type="button" id="btn-stop">Stop</button>
        </div>
        <img id="stream" src="/stream" alt="Live camera stream">
        <pre id="status">Waiting for status...</pre>
    </div>
    <script>
        const statusEl = document.getElementById('status');
        const events = new EventSource('/api/status/stream');
        events.onmessage = (e) => {
            statusEl.textContent = JSON.stringify(JSON.parse(e.data), null, 2);
        };
        document.getElementById('btn-stop').onclick = async () => {
            await fetch('/api/stop', { method: 'POST' });
            events.close();
            statusEl.textContent = 'Stopped.';
        };
    </script>
</body>
</html>
`
