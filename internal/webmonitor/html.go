package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Coop Density Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #f5f5f5; color: #222; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 12px 20px; background: #1f2933; color: #fff; }
        .title { font-size: 20px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 13px; background: #52606d; }
        .badge.ok { background: #2f9e44; }
        .badge.bad { background: #c92a2a; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #fff; border-radius: 8px; padding: 14px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        .panel h2 { margin: 0 0 8px; font-size: 16px; }
        .panel img { width: 100%; height: auto; display: block; background: #000; }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { padding: 4px 6px; border-bottom: 1px solid #eee; text-align: left; }
        .alert { color: #c92a2a; font-weight: 600; }
        .actions button { margin-right: 6px; }
        @media (max-width: 900px) { .grid { grid-template-columns: 1fr; } }
    </style>
</head>
<body>
    <div class="header">
        <div class="title">Coop Density Monitor</div>
        <span class="badge" id="status-badge">Waiting for data...</span>
    </div>

    <div class="grid">
        <div class="panel" style="grid-row: span 2;">
            <h2>Live Feed</h2>
            <img id="stream" src="/stream" alt="Annotated live stream">
            <div class="actions" style="margin-top:10px;">
                <button type="button" id="btn-run">Run mapping now</button>
                <button type="button" id="btn-reload">Reload calibration</button>
                <button type="button" id="btn-record">Start recording</button>
            </div>
        </div>

        <div class="panel">
            <h2>Latest Density Map</h2>
            <img id="plot" alt="Latest density plot">
            <p id="latest-summary">No mapping yet.</p>
            <div id="latest-alerts"></div>
        </div>

        <div class="panel">
            <h2>History</h2>
            <table>
                <thead><tr><th>Time</th><th>In ROI</th><th>Excluded</th><th>Alerts</th></tr></thead>
                <tbody id="history"></tbody>
            </table>
        </div>
    </div>

    <script>
    const badge = document.getElementById('status-badge');

    function renderLatest(m) {
        if (!m) return;
        if (m.density_plot_url) document.getElementById('plot').src = m.density_plot_url;
        document.getElementById('latest-summary').textContent =
            new Date(m.mapping_timestamp).toLocaleString() + ': ' +
            m.in_roi_count + ' in ROI, ' + (m.excluded_count || 0) + ' excluded';
        const alerts = m.alerts || [];
        document.getElementById('latest-alerts').innerHTML = alerts.map(a =>
            '<div class="alert">cell (' + a.grid_x + ',' + a.grid_y + '): ' + a.count +
            ' birds, ' + Number(a.density).toFixed(2) + '/m²</div>').join('');
    }

    function renderHistory(rows) {
        document.getElementById('history').innerHTML = rows.map(m =>
            '<tr><td>' + new Date(m.mapping_timestamp).toLocaleString() + '</td><td>' +
            m.in_roi_count + '</td><td>' + (m.excluded_count || 0) + '</td><td>' +
            (m.alerts || []).length + '</td></tr>').join('');
    }

    async function loadDashboard() {
        const res = await fetch('/api/dashboard_data');
        if (!res.ok) return;
        const data = await res.json();
        renderLatest(data.latest);
        renderHistory(data.history || []);
    }

    const status = new EventSource('/api/status/stream');
    status.onmessage = (ev) => {
        const s = JSON.parse(ev.data);
        badge.textContent = s.ready ? 'Calibrated' : 'Not calibrated';
        badge.className = 'badge ' + (s.ready ? 'ok' : 'bad');
        const rec = document.getElementById('btn-record');
        rec.textContent = (s.recording && s.recording.recording) ? 'Stop recording' : 'Start recording';
    };

    const mappings = new EventSource('/api/mapping/stream');
    mappings.onmessage = (ev) => {
        renderLatest(JSON.parse(ev.data));
        loadDashboard();
    };

    async function post(url) {
        const res = await fetch(url, { method: 'POST' });
        const body = await res.json().catch(() => ({}));
        if (!res.ok) alert(body.error || res.statusText);
        return body;
    }

    document.getElementById('btn-run').onclick = () => post('/api/mapping/run');
    document.getElementById('btn-reload').onclick = () => post('/api/calibration/reload');
    document.getElementById('btn-record').onclick = async () => {
        const st = await (await fetch('/api/recording/status')).json();
        await post(st.recording ? '/api/recording/stop' : '/api/recording/start');
    };

    loadDashboard();
    </script>
</body>
</html>
`
