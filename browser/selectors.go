package browser

// Page structure of the search flow. Suggestion lists render one
// .searchbar-result per entry inside their results container.
const (
	CookieRejectSelector = "#didomi-notice-disagree-button"

	SpecialityInputSelector   = `input[id=":r0:"]`
	SpecialityResultsSelector = "#search-query-input-results-container"
	PlaceInputSelector        = `input[id=":r1:"]`
	PlaceResultsSelector      = "#search-place-input-results-container"
	SuggestionSelector        = ".searchbar-result"
	SubmitSelector            = ".searchbar-submit-button-label"

	ResultsSelector = "div.search-results-col-list"
	NextSelector    = ".next-link"
)

const staleAttr = "data-crawler-stale"

const hideWebdriverJS = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// clickSuggestionJS clicks the n-th suggestion matching a selector and
// reports the element id, which carries the entity id as its prefix.
const clickSuggestionJS = `(function(sel, index) {
  const items = document.querySelectorAll(sel);
  if (items.length <= index) {
    return {ok: false, count: items.length, id: "", text: ""};
  }
  const el = items[index];
  el.click();
  return {ok: true, count: items.length, id: el.id || "", text: (el.innerText || "").trim()};
})(%q, %d)`

const scrollToJS = `(function(sel) {
  const el = document.querySelector(sel);
  if (!el) {
    return false;
  }
  el.scrollIntoView({block: "center"});
  return true;
})(%q)`

// hitClickJS clicks the element only when it is the topmost element at its
// own centre. The results container is marked stale first so the next
// render can be told apart from the current one.
const hitClickJS = `(function(sel, container, stale) {
  const el = document.querySelector(sel);
  if (!el) {
    return {state: "missing", by: ""};
  }
  const r = el.getBoundingClientRect();
  const top = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
  if (top !== el && !el.contains(top)) {
    return {state: "intercepted", by: top ? (top.tagName + "." + top.className) : "nothing"};
  }
  const list = document.querySelector(container);
  if (list) {
    list.setAttribute(stale, "1");
  }
  el.click();
  return {state: "ok", by: ""};
})(%q, %q, %q)`

// pageTurnedJS is true once the results list is no longer the one marked
// stale by hitClickJS, or the tab moved to another URL while the list element
// was reused.
const pageTurnedJS = `(function(container, stale, prev) {
  const list = document.querySelector(container);
  if (!list) {
    return false;
  }
  return !list.hasAttribute(stale) || window.location.href !== prev;
})(%q, %q, %q)`

const scrollBottomJS = `(function() {
  window.scrollTo(0, document.body.scrollHeight);
  return document.body.scrollHeight;
})()`
