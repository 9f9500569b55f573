package stealth

import "fmt"

// PatchScript builds the JS injected into every page before navigation.
// Patches the surfaces headless Chrome leaks: webdriver flag, plugin list,
// language list, chrome runtime object, WebGL strings, and the permissions
// query for notifications.
func PatchScript(fp Fingerprint) string {
	return fmt.Sprintf(`() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	Object.defineProperty(navigator, 'platform', { get: () => %q });
	Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => %d });
	Object.defineProperty(navigator, 'deviceMemory', { get: () => %d });

	Object.defineProperty(navigator, 'plugins', {
		get: () => {
			const arr = [
				{ name: 'PDF Viewer', filename: 'internal-pdf-viewer' },
				{ name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer' },
				{ name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer' },
			];
			arr.item = i => arr[i];
			arr.namedItem = n => arr.find(p => p.name === n);
			return arr;
		},
	});

	if (!window.chrome) {
		window.chrome = { runtime: {}, loadTimes: () => ({}), csi: () => ({}) };
	}

	const origQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
	window.navigator.permissions.query = (params) =>
		params.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: origQuery(params);

	const getParameter = WebGLRenderingContext.prototype.getParameter;
	WebGLRenderingContext.prototype.getParameter = function (param) {
		if (param === 37445) return %q;
		if (param === 37446) return %q;
		return getParameter.call(this, param);
	};
}`,
		fp.Platform,
		fp.HardwareConcurrency,
		fp.DeviceMemoryGB,
		fp.WebGLVendor,
		fp.WebGLRenderer,
	)
}
