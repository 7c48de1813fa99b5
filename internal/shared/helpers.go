// Package shared — небольшие общие утилиты без внешних зависимостей.
// Фокус: безопасные операции без паник, сохранение порядка и простая семантика.
package shared

// Unique возвращает срез уникальных значений, сохраняя порядок первого появления.
// Работает для любых типов с сравнимостью (comparable). Сложность O(n) по времени
// и O(n) по памяти на карту «виденных» значений. Порядок стабильный.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
