package automessage

// Заготовки текстов автосообщений. Продукт турецкоязычный, поэтому и
// шаблоны на турецком.
var defaultTemplates = []string{
	"Merhaba! Nasılsın?",
	"Selam! Bugün nasıl geçiyor?",
	"Uzun zamandır konuşamadık, neler yapıyorsun?",
	"Merhaba, umarım güzel bir gün geçiriyorsundur!",
	"Hafta sonu için planın var mı?",
	"Bugün hava çok güzel, değil mi?",
	"Nasıl gidiyor, her şey yolunda mı?",
	"Selam! Yeni bir şeyler var mı?",
}

// DefaultTemplates возвращает копию встроенного набора шаблонов.
func DefaultTemplates() []string {
	return append([]string(nil), defaultTemplates...)
}
