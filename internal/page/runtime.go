package page

// runtimeJS is the page-side runtime, installed once per page. The guard
// flag keeps installation idempotent across reconnects and re-injections.
// It owns the MutationObserver, the event buffer the Go pump drains, the
// delegated click handling for injected controls, the target-block walk,
// and the toast primitive. All element access re-resolves by anchor key so
// the Go side never holds a direct element reference.
const runtimeJS = `
(anchorSel, blockSel, fieldSel) => {
	if (window.__quickRegenHooked) return true;
	window.__quickRegenHooked = true;
	window.__quickRegenEvents = [];

	const push = (ev) => {
		ev.ts = Date.now();
		window.__quickRegenEvents.push(ev);
	};

	// Coarse-grained change signal: any subtree change triggers a full
	// re-scan on the Go side. Debounced to collapse re-render bursts.
	let pending = null;
	const obs = new MutationObserver(() => {
		if (pending) return;
		pending = setTimeout(() => {
			pending = null;
			push({ type: 'mutation' });
		}, 150);
	});
	obs.observe(document.body || document.documentElement, {
		childList: true,
		subtree: true,
		attributes: true
	});

	// Host pages announce config changes with a custom event after
	// replacing window.__quickRegenConfig.
	window.addEventListener('quick-regen-config', () => {
		push({ type: 'config', config: window.__quickRegenConfig || null });
	});

	// Delegated click handling: controls are rebuilt by reconciliation, so
	// per-element listeners would be lost on every re-render.
	document.addEventListener('click', (ev) => {
		const btn = ev.target && ev.target.closest ? ev.target.closest('button.quick-regen-button') : null;
		if (!btn || btn.disabled) return;
		ev.preventDefault();
		ev.stopPropagation();
		push({
			type: 'activate',
			key: btn.dataset.qrKey || '',
			headingId: btn.dataset.qrHeadingId || '',
			sectionPath: btn.dataset.qrSectionPath || '',
			headingLevel: btn.dataset.qrHeadingLevel || ''
		});
	}, true);

	const anchorKey = (a) => a.dataset.qrKey || a.dataset.qrHeadingId || '';

	const anchorByKey = (key) => {
		const anchors = document.querySelectorAll(anchorSel);
		for (const a of anchors) {
			if (anchorKey(a) === key) return a;
		}
		return null;
	};

	const blockQualifies = (el) =>
		(el.matches && el.matches(fieldSel)) || !!(el.querySelector && el.querySelector(fieldSel));

	// Target-block walk: from the anchor's nearest ancestor block, forward
	// through sibling blocks, then up a level and repeat, until an
	// input-bearing block is found or the tree is exhausted.
	const targetBlock = (anchor) => {
		let cur = anchor.closest(blockSel);
		while (cur) {
			let sib = cur.nextElementSibling;
			while (sib) {
				if (blockQualifies(sib)) return sib;
				sib = sib.nextElementSibling;
			}
			const parent = cur.parentElement;
			cur = parent ? parent.closest(blockSel) : null;
		}
		return null;
	};

	const blockOf = (key) => {
		const a = anchorByKey(key);
		return a ? targetBlock(a) : null;
	};

	const controlOf = (key) => {
		const b = blockOf(key);
		return b ? b.querySelector('button.quick-regen-button') : null;
	};

	const fieldOf = (key) => {
		const b = blockOf(key);
		if (!b) return null;
		if (b.matches && b.matches(fieldSel)) return b;
		return b.querySelector(fieldSel);
	};

	window.__qr = {
		scan: () => {
			const out = [];
			document.querySelectorAll(anchorSel).forEach((a) => {
				out.push({
					key: anchorKey(a),
					locked: a.dataset.qrLocked === 'true',
					headingId: a.dataset.qrHeadingId || '',
					sectionPath: a.dataset.qrSectionPath || '',
					headingLevel: a.dataset.qrHeadingLevel || ''
				});
			});
			return out;
		},
		connected: (key) => !!anchorByKey(key),
		locked: (key) => {
			const a = anchorByKey(key);
			return !!(a && a.dataset.qrLocked === 'true');
		},
		meta: (key) => {
			const a = anchorByKey(key);
			if (!a) return null;
			return {
				key: anchorKey(a),
				locked: a.dataset.qrLocked === 'true',
				headingId: a.dataset.qrHeadingId || '',
				sectionPath: a.dataset.qrSectionPath || '',
				headingLevel: a.dataset.qrHeadingLevel || ''
			};
		},
		hasTarget: (key) => !!blockOf(key),
		hasControl: (key) => !!controlOf(key),
		attachControl: (key) => {
			const b = blockOf(key);
			if (!b) return false;
			if (b.querySelector('button.quick-regen-button')) return true;
			const btn = document.createElement('button');
			btn.type = 'button';
			btn.className = 'quick-regen-button';
			btn.textContent = '↻';
			btn.title = 'Regenerate';
			b.appendChild(btn);
			return true;
		},
		setMeta: (key, meta) => {
			const btn = controlOf(key);
			if (!btn) return false;
			btn.dataset.qrKey = meta.key || '';
			btn.dataset.qrHeadingId = meta.headingId || '';
			btn.dataset.qrSectionPath = meta.sectionPath || '';
			btn.dataset.qrHeadingLevel = meta.headingLevel || '';
			return true;
		},
		removeControl: (key) => {
			const b = blockOf(key);
			if (!b) return false;
			const btn = b.querySelector('button.quick-regen-button');
			if (btn) btn.remove();
			b.classList.remove('quick-regen-block');
			return true;
		},
		markEligible: (key) => {
			const b = blockOf(key);
			if (!b) return false;
			b.classList.add('quick-regen-block');
			return true;
		},
		setLoading: (key, loading) => {
			const btn = controlOf(key);
			if (!btn) return false;
			btn.classList.toggle('quick-regen-loading', !!loading);
			btn.disabled = !!loading;
			return true;
		},
		fieldValue: (key) => {
			const f = fieldOf(key);
			if (!f) return { ok: false, value: '' };
			return { ok: true, value: f.value || '' };
		},
		setFieldValue: (key, value) => {
			const f = fieldOf(key);
			if (!f) return false;
			// Reactive hosts track inputs through the prototype setter;
			// writing through it makes the framework observe the update.
			const proto = Object.getPrototypeOf(f);
			const desc = proto ? Object.getOwnPropertyDescriptor(proto, 'value') : null;
			if (desc && desc.set) {
				desc.set.call(f, value);
			} else {
				f.value = value;
			}
			f.dispatchEvent(new Event('input', { bubbles: true }));
			f.dispatchEvent(new Event('change', { bubbles: true }));
			return true;
		},
		drain: () => {
			const buf = Array.isArray(window.__quickRegenEvents) ? window.__quickRegenEvents : [];
			window.__quickRegenEvents = [];
			return buf;
		},
		toast: (message, level) => {
			const el = document.createElement('div');
			el.className = 'quick-regen-toast quick-regen-toast-' + (level || 'info');
			el.textContent = message;
			el.style.cssText =
				'position:fixed;bottom:16px;right:16px;z-index:99999;' +
				'padding:10px 14px;border-radius:6px;color:#fff;' +
				'transition:opacity 260ms;opacity:1;background:' +
				(level === 'error' ? '#c0392b' : level === 'success' ? '#27ae60' : '#2c3e50');
			(document.body || document.documentElement).appendChild(el);
			setTimeout(() => {
				el.style.opacity = '0';
				setTimeout(() => el.remove(), 260);
			}, 4000);
			return true;
		},
		config: () => window.__quickRegenConfig || null
	};

	return true;
}
`
